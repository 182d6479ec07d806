// Package http exposes the engine over REST and websockets.
package http

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"live-quiz-engine/internal/app"
	"live-quiz-engine/internal/auth"
	"live-quiz-engine/internal/metrics"
)

// Server holds the use cases the transport drives.
type Server struct {
	lifecycle   *app.LifecycleController
	submissions *app.SubmissionService
	leaderboard *app.LeaderboardService
	gateway     *app.Gateway
	tokens      *auth.TokenVerifier
	authz       app.Authorizer
	validate    *validator.Validate
	upgrader    websocket.Upgrader
	log         *zap.Logger

	rateLimit rate.Limit
	burst     int
}

// Deps groups what NewServer needs.
type Deps struct {
	Lifecycle   *app.LifecycleController
	Submissions *app.SubmissionService
	Leaderboard *app.LeaderboardService
	Gateway     *app.Gateway
	Tokens      *auth.TokenVerifier
	Authorizer  app.Authorizer
	Logger      *zap.Logger
	// RatePerSecond and Burst bound inbound websocket messages per connection.
	RatePerSecond float64
	Burst         int
}

func NewServer(d Deps) *Server {
	limit, burst := rate.Limit(d.RatePerSecond), d.Burst
	if limit <= 0 {
		limit = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &Server{
		lifecycle:   d.Lifecycle,
		submissions: d.Submissions,
		leaderboard: d.Leaderboard,
		gateway:     d.Gateway,
		tokens:      d.Tokens,
		authz:       d.Authorizer,
		validate:    validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:       d.Logger,
		rateLimit: limit,
		burst:     burst,
	}
}

// Router wires every route. health is called by /healthz; nil means always ok.
func (s *Server) Router(health func(r *http.Request) error) http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			if err := health(req); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, err.Error(), nil)
				return
			}
		}
		writeJSON(w, http.StatusOK, "ok", nil)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/quizzes", s.createQuiz).Methods(http.MethodPost)
	api.HandleFunc("/quizzes/{id}", s.getQuiz).Methods(http.MethodGet)
	api.HandleFunc("/quizzes/{id}/start", s.startQuiz).Methods(http.MethodPost)
	api.HandleFunc("/quizzes/{id}/end", s.endQuiz).Methods(http.MethodPost)
	api.HandleFunc("/quizzes/{id}/schedule", s.scheduleQuiz).Methods(http.MethodPost)
	api.HandleFunc("/quizzes/{id}/cancel-schedule", s.cancelSchedule).Methods(http.MethodPost)
	api.HandleFunc("/quizzes/{id}/answers", s.submitAnswer).Methods(http.MethodPost)
	api.HandleFunc("/quizzes/{id}/answers/bulk", s.submitBulk).Methods(http.MethodPost)
	api.HandleFunc("/quizzes/{id}/leaderboard", s.getLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/quizzes/{id}/participants", s.listParticipants).Methods(http.MethodGet)
	api.HandleFunc("/quizzes/{id}/participants/{userId}/disqualify", s.disqualify).Methods(http.MethodPost)
	api.HandleFunc("/answers/{id}/review", s.reviewAnswer).Methods(http.MethodPatch)

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(s.authenticate)
	ws.HandleFunc("/quizzes/{id}", s.ServeWS).Methods(http.MethodGet)
	return r
}
