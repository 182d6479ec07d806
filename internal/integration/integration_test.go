package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap/zaptest"

	"live-quiz-engine/internal/app"
	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/domain"
	"live-quiz-engine/internal/infra/postgres"
	pgmigrations "live-quiz-engine/internal/infra/postgres/migrations"
	infraredis "live-quiz-engine/internal/infra/redis"
)

var owner = auth.Identity{UserID: "host", Name: "Host", Role: auth.RoleOperator}

func TestQuizRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateSchema(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	log := zaptest.NewLogger(t)
	questions := infraredis.NewQuestionCache(redisClient, store, 5*time.Minute, log)
	registry := infraredis.NewSessionRegistry(redisClient, 5*time.Minute)

	authz := auth.CreatorOrAdmin{}
	gw := app.NewGateway(registry, store, log)
	lb := app.NewLeaderboardService(store, questions, authz, gw, log)
	subs := app.NewSubmissionService(store, questions, lb, gw, log)
	lc := app.NewLifecycleController(store, questions, gw, authz, lb, log)
	gw.SetExpiryHandler(lc.Expire)

	quiz, qs, err := lc.Create(ctx, owner, app.QuizDraft{
		Title:     "Integration",
		TimeLimit: 10,
		Questions: []domain.Question{
			{Type: domain.TypeSingleChoice, Prompt: "2 + 2?", Options: []string{"3", "4", "5"}, Correct: domain.ScalarValue("4"), Marks: 2, Order: 1},
			{Type: domain.TypeMatching, Prompt: "Match", Correct: domain.PairsValue(domain.Pair{Left: "go", Right: "gopher"}, domain.Pair{Left: "rust", Right: "crab"}), Marks: 3, Order: 2},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := lc.Start(ctx, owner, quiz.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok, _ := registry.Anchor(ctx, quiz.ID); !ok {
		t.Fatalf("expected anchor in redis")
	}

	// Concurrent duplicates: exactly one wins.
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := subs.Submit(ctx, quiz.ID, "u1", domain.AnswerSubmission{QuestionID: qs[0].ID, Value: json.RawMessage(`"4"`)})
			if errors.Is(err, domain.ErrDuplicateAnswer) {
				mu.Lock()
				conflicts++
				mu.Unlock()
			} else if err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()
	if conflicts != 1 {
		t.Fatalf("expected exactly one conflict, got %d", conflicts)
	}

	res, err := subs.SubmitBulk(ctx, quiz.ID, "u2", []domain.AnswerSubmission{
		{QuestionID: qs[0].ID, Value: json.RawMessage(`"3"`), TimeTakenSeconds: 2},
		{QuestionID: qs[1].ID, Value: json.RawMessage(`{"rust":"crab","go":"gopher"}`), TimeTakenSeconds: 9},
	})
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if res.TotalScore != 3 {
		t.Fatalf("expected bulk total 3, got %+v", res)
	}

	board, err := lb.Get(ctx, quiz.ID)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board.Entries) != 2 || board.Entries[0].UserID != "u2" || board.Entries[0].Rank != 1 || board.Entries[1].Rank != 2 {
		t.Fatalf("unexpected leaderboard %+v", board.Entries)
	}

	// A later recompute of u2 must keep the disqualification.
	if _, err := lb.SetDisqualified(ctx, owner, quiz.ID, "u2", true); err != nil {
		t.Fatalf("disqualify: %v", err)
	}
	if _, err := subs.SubmitBulk(ctx, quiz.ID, "u2", []domain.AnswerSubmission{
		{QuestionID: qs[0].ID, Value: json.RawMessage(`"4"`), TimeTakenSeconds: 2},
	}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	entry, err := store.GetEntry(ctx, quiz.ID, "u2")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if !entry.IsDisqualified || entry.Rank != 0 || entry.Score != 2 {
		t.Fatalf("unexpected disqualified entry %+v", entry)
	}
	if leader, _ := store.GetEntry(ctx, quiz.ID, "u1"); leader.Rank != 1 {
		t.Fatalf("expected u1 promoted, got %+v", leader)
	}

	ended, ok, err := lc.End(ctx, owner, quiz.ID)
	if err != nil || !ok || ended.LiveHistory[0].EndedAt == nil {
		t.Fatalf("end: %+v %v %v", ended, ok, err)
	}
	_, err = subs.SubmitBulk(ctx, quiz.ID, "u2", nil)
	if !errors.Is(err, domain.ErrQuizEnded) {
		t.Fatalf("expected quiz ended, got %v", err)
	}
	if _, ok, _ := registry.Anchor(ctx, quiz.ID); ok {
		t.Fatalf("expected anchor removed from redis")
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrateSchema(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
