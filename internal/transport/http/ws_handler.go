package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"live-quiz-engine/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

type errorPayload struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// ServeWS upgrades the request and runs one participant's session: join,
// event forwarding and inbound answers until the socket closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := mux.Vars(r)["id"]
	id := identity(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.String("quiz_id", quizID), zap.Error(err))
		return
	}
	defer conn.Close()

	// The request context ends with the handshake on some servers; the
	// session lives as long as the socket.
	ctx, cancelCtx := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancelCtx()

	state, err := s.gateway.Join(ctx, quizID, domain.Participant{UserID: id.UserID, DisplayName: id.Name})
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(s.errorMessage(err))
		return
	}

	events, unsubscribe := s.gateway.Subscribe(quizID)
	defer unsubscribe()
	defer func() {
		if err := s.gateway.Leave(context.Background(), quizID, id.UserID); err != nil {
			s.log.Warn("ws leave failed", zap.String("quiz_id", quizID), zap.String("user_id", id.UserID), zap.Error(err))
		}
	}()

	send := make(chan outboundMessage, 32)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})

	// Only this goroutine writes to conn.
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					s.log.Debug("ws write error", zap.String("quiz_id", quizID), zap.Error(err))
					cancelCtx()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancelCtx()
					return
				}
			}
		}
	}()

	go func() {
		defer close(eventsDone)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage{Type: string(ev.Type), At: ev.At, Payload: ev.Payload}:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	reply := func(msg outboundMessage) {
		select {
		case send <- msg:
		case <-ctx.Done():
		}
	}

	reply(outboundMessage{Type: "joined", At: time.Now(), Payload: state})

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(s.rateLimit, s.burst)
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.log.Debug("ws read ended", zap.String("quiz_id", quizID), zap.Error(err))
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if !limiter.Allow() {
			reply(outboundMessage{Type: "error", At: time.Now(), Payload: errorPayload{Status: http.StatusTooManyRequests, Message: "rate limited"}})
			continue
		}
		reply(s.handleInbound(ctx, quizID, id.UserID, inbound))
	}

	close(closeSignals)
	<-eventsDone
	close(send)
	<-writerDone
}

func (s *Server) handleInbound(ctx context.Context, quizID, userID string, in inboundMessage) outboundMessage {
	now := time.Now()
	switch in.Type {
	case "ping":
		return outboundMessage{Type: "pong", At: now}
	case "answer":
		var sub domain.AnswerSubmission
		if err := json.Unmarshal(in.Payload, &sub); err != nil {
			return s.errorMessage(errBadRequest)
		}
		if err := s.validate.Struct(sub); err != nil {
			return s.errorMessage(err)
		}
		res, err := s.submissions.Submit(ctx, quizID, userID, sub)
		if err != nil {
			return s.errorMessage(err)
		}
		return outboundMessage{Type: "answer.result", At: now, Payload: res}
	case "answers.bulk":
		var req bulkRequest
		if err := json.Unmarshal(in.Payload, &req); err != nil {
			return s.errorMessage(errBadRequest)
		}
		if err := s.validate.Struct(req); err != nil {
			return s.errorMessage(err)
		}
		res, err := s.submissions.SubmitBulk(ctx, quizID, userID, req.Answers)
		if err != nil {
			return s.errorMessage(err)
		}
		return outboundMessage{Type: "bulk.result", At: now, Payload: res}
	}
	return outboundMessage{Type: "error", At: now, Payload: errorPayload{Status: http.StatusBadRequest, Message: "unsupported message type"}}
}

// errorMessage mirrors writeError: internal failures are logged and masked.
func (s *Server) errorMessage(err error) outboundMessage {
	status, msg := statusFor(err), err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("ws request failed", zap.Error(err))
		msg = "internal error"
	}
	return outboundMessage{
		Type:    "error",
		At:      time.Now(),
		Payload: errorPayload{Status: status, Message: msg},
	}
}
