package domain

import "time"

// EventType names a push event sent to session subscribers.
type EventType string

const (
	EventTimerTick          EventType = "timer.tick"
	EventQuizStarted        EventType = "quiz.started"
	EventQuizEnded          EventType = "quiz.ended"
	EventNewQuestion        EventType = "question.new"
	EventAnswerAccepted     EventType = "answer.accepted"
	EventLeaderboardUpdated EventType = "leaderboard.updated"
	EventRosterChanged      EventType = "roster.changed"
)

// Event is delivered to every subscriber of a quiz session.
type Event struct {
	Type    EventType `json:"type"`
	QuizID  string    `json:"quizId"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// TimerTick is the payload of EventTimerTick.
type TimerTick struct {
	ElapsedSeconds   int `json:"elapsedSeconds"`
	RemainingSeconds int `json:"remainingSeconds"`
	QuestionIndex    int `json:"questionIndex"`
}

// QuestionRevealed is the payload of EventNewQuestion.
type QuestionRevealed struct {
	Index            int            `json:"index"`
	Total            int            `json:"total"`
	Question         PublicQuestion `json:"question"`
	RemainingSeconds int            `json:"remainingSeconds"`
}

// AnswerAccepted is the payload of EventAnswerAccepted. It carries no
// correctness so other participants learn nothing about the key.
type AnswerAccepted struct {
	UserID     string `json:"userId"`
	QuestionID string `json:"questionId"`
	Bulk       bool   `json:"bulk"`
}

// RosterChanged is the payload of EventRosterChanged.
type RosterChanged struct {
	Joined       string        `json:"joined,omitempty"`
	Left         string        `json:"left,omitempty"`
	Participants []Participant `json:"participants"`
}

// QuizEnded is the payload of EventQuizEnded.
type QuizEnded struct {
	EndedAt     time.Time   `json:"endedAt"`
	Leaderboard Leaderboard `json:"leaderboard"`
}

// JoinState is returned to a participant that joined a session.
type JoinState struct {
	Quiz             Quiz            `json:"quiz"`
	QuestionIndex    int             `json:"questionIndex"`
	TotalQuestions   int             `json:"totalQuestions"`
	CurrentQuestion  *PublicQuestion `json:"currentQuestion,omitempty"`
	ElapsedSeconds   int             `json:"elapsedSeconds"`
	RemainingSeconds int             `json:"remainingSeconds"`
	Participants     []Participant   `json:"participants"`
}
