package domain

import "errors"

// Error kinds. Every error returned by the engine wraps exactly one of these so
// callers (HTTP, websocket, scheduler) can classify it with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
)

var (
	// ErrQuizNotFound is returned when a quiz id does not resolve.
	ErrQuizNotFound = kindError{ErrNotFound, "quiz not found"}
	// ErrQuestionNotFound indicates a question id that is not part of the quiz.
	ErrQuestionNotFound = kindError{ErrNotFound, "question not found"}
	// ErrAnswerNotFound indicates an answer id that does not resolve.
	ErrAnswerNotFound = kindError{ErrNotFound, "answer not found"}
	// ErrEntryNotFound is returned when a user has no leaderboard row for a quiz.
	ErrEntryNotFound = kindError{ErrNotFound, "leaderboard entry not found"}

	ErrNoQuestions     = kindError{ErrInvalidState, "quiz has no questions"}
	ErrAlreadyLive     = kindError{ErrInvalidState, "quiz is already live"}
	ErrNotLive         = kindError{ErrInvalidState, "quiz is not live"}
	ErrNotJoinable     = kindError{ErrInvalidState, "quiz is not open for participants"}
	ErrBadSchedule     = kindError{ErrInvalidState, "invalid schedule window"}
	ErrBadTransition   = kindError{ErrInvalidState, "transition not allowed from current status"}
	ErrValueShape      = kindError{ErrInvalidState, "answer value does not match question type"}
	ErrInvalidQuiz     = kindError{ErrInvalidState, "invalid quiz definition"}
	ErrScoreOutOfRange = kindError{ErrInvalidState, "score outside question marks"}

	ErrNotAuthorized = kindError{ErrForbidden, "only the quiz creator or an administrator may do this"}

	// ErrDuplicateAnswer is returned when (user, question) already has an answer.
	ErrDuplicateAnswer = kindError{ErrConflict, "answer already submitted for this question"}
	// ErrQuizEnded rejects bulk submissions that arrive after the quiz ended.
	ErrQuizEnded = kindError{ErrConflict, "quiz has already ended"}
	// ErrStaleState is returned by compare-and-swap writes when the stored status moved on.
	ErrStaleState = kindError{ErrConflict, "quiz status changed concurrently"}
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string { return e.msg }

func (e kindError) Is(target error) bool {
	if t, ok := target.(kindError); ok {
		return t.msg == e.msg
	}
	return target == e.kind
}

func (e kindError) Unwrap() error { return e.kind }
