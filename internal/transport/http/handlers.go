package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"live-quiz-engine/internal/app"
	"live-quiz-engine/internal/domain"
)

const maxBodyBytes = 1 << 20

type questionRequest struct {
	Type      domain.QuestionType `json:"type" validate:"required"`
	Prompt    string              `json:"prompt" validate:"required"`
	Options   []string            `json:"options"`
	Correct   json.RawMessage     `json:"correct"`
	Marks     int                 `json:"marks" validate:"gte=1"`
	Order     int                 `json:"order" validate:"gte=0"`
	TimeLimit int                 `json:"timeLimit" validate:"gte=0"`
}

type createQuizRequest struct {
	Title       string            `json:"title" validate:"required,max=200"`
	Departments []string          `json:"departments"`
	TimeLimit   int               `json:"timeLimit" validate:"gte=1"`
	Questions   []questionRequest `json:"questions" validate:"dive"`
}

type scheduleRequest struct {
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt"`
}

type bulkRequest struct {
	Answers []domain.AnswerSubmission `json:"answers" validate:"required,dive"`
}

type reviewRequest struct {
	IsCorrect bool `json:"isCorrect"`
	Score     *int `json:"score" validate:"required"`
}

type disqualifyRequest struct {
	Disqualified *bool `json:"disqualified"`
}

type quizView struct {
	Quiz      domain.Quiz `json:"quiz"`
	Questions any         `json:"questions"`
}

type endView struct {
	Quiz  domain.Quiz `json:"quiz"`
	Ended bool        `json:"ended"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return err
	}
	return nil
}

func (s *Server) createQuiz(w http.ResponseWriter, r *http.Request) {
	var req createQuizRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	draft := app.QuizDraft{Title: req.Title, Departments: req.Departments, TimeLimit: req.TimeLimit}
	for i, q := range req.Questions {
		question := domain.Question{
			Type:      q.Type,
			Prompt:    q.Prompt,
			Options:   q.Options,
			Marks:     q.Marks,
			Order:     q.Order,
			TimeLimit: q.TimeLimit,
		}
		if len(q.Correct) > 0 && string(q.Correct) != "null" {
			v, err := domain.DecodeValue(q.Type, q.Correct)
			if err != nil {
				writeError(w, s.log, fmt.Errorf("%w: question %d: %v", domain.ErrInvalidQuiz, i+1, err))
				return
			}
			question.Correct = v
		}
		draft.Questions = append(draft.Questions, question)
	}

	quiz, questions, err := s.lifecycle.Create(r.Context(), identity(r), draft)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, "quiz created", quizView{Quiz: quiz, Questions: questions})
}

// getQuiz shows correctness references only to those who may manage the quiz.
func (s *Server) getQuiz(w http.ResponseWriter, r *http.Request) {
	quiz, questions, err := s.lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if s.authz.CanManage(r.Context(), identity(r), quiz) == nil {
		writeJSON(w, http.StatusOK, "", quizView{Quiz: quiz, Questions: questions})
		return
	}
	public := make([]domain.PublicQuestion, 0, len(questions))
	for _, q := range questions {
		public = append(public, q.Public())
	}
	writeJSON(w, http.StatusOK, "", quizView{Quiz: quiz, Questions: public})
}

func (s *Server) startQuiz(w http.ResponseWriter, r *http.Request) {
	quiz, err := s.lifecycle.Start(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "quiz started", quiz)
}

func (s *Server) endQuiz(w http.ResponseWriter, r *http.Request) {
	quiz, ended, err := s.lifecycle.End(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	msg := "quiz ended"
	if !ended {
		msg = "quiz was not live"
	}
	writeJSON(w, http.StatusOK, msg, endView{Quiz: quiz, Ended: ended})
}

func (s *Server) scheduleQuiz(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if req.StartAt.IsZero() || req.EndAt.IsZero() {
		writeError(w, s.log, fmt.Errorf("%w: startAt and endAt are required", errBadRequest))
		return
	}
	quiz, err := s.lifecycle.Schedule(r.Context(), identity(r), mux.Vars(r)["id"], req.StartAt, req.EndAt)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "quiz scheduled", quiz)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	quiz, err := s.lifecycle.CancelSchedule(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "schedule cancelled", quiz)
}

func (s *Server) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req domain.AnswerSubmission
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.submissions.Submit(r.Context(), mux.Vars(r)["id"], identity(r).UserID, req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, "answer recorded", res)
}

func (s *Server) submitBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.submissions.SubmitBulk(r.Context(), mux.Vars(r)["id"], identity(r).UserID, req.Answers)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "answers recorded", res)
}

func (s *Server) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := s.leaderboard.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "", lb)
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	roster, err := s.gateway.Participants(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "", roster)
}

func (s *Server) reviewAnswer(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := s.decode(w, r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	answer, err := s.leaderboard.ReviewAnswer(r.Context(), identity(r), mux.Vars(r)["id"], req.IsCorrect, *req.Score)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "answer reviewed", answer)
}

// disqualify defaults to disqualifying; {"disqualified": false} reinstates.
func (s *Server) disqualify(w http.ResponseWriter, r *http.Request) {
	req := disqualifyRequest{}
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &req); err != nil {
			writeError(w, s.log, err)
			return
		}
	}
	disqualified := req.Disqualified == nil || *req.Disqualified
	vars := mux.Vars(r)
	lb, err := s.leaderboard.SetDisqualified(r.Context(), identity(r), vars["id"], vars["userId"], disqualified)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, "", lb)
}
