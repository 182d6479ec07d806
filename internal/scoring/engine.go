// Package scoring evaluates one submitted answer against a question's
// correctness rule. Everything here is pure: no clocks, no storage.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"live-quiz-engine/internal/domain"
)

// Result is the outcome of evaluating one submission.
type Result struct {
	Correct       bool
	Score         int
	PendingReview bool
}

// Evaluate scores value against q. Score is q.Marks when correct and 0
// otherwise; there is no partial credit.
func Evaluate(q domain.Question, value domain.Value) (Result, error) {
	if want := domain.KindFor(q.Type); value.Kind != want {
		return Result{}, fmt.Errorf("%w: %s expects %s, got %s", domain.ErrValueShape, q.Type, want, value.Kind)
	}

	var correct bool
	switch q.Type {
	case domain.TypeSingleChoice:
		got := choiceKey(q.Options, value.Scalar)
		correct = got != "" && got == choiceKey(q.Options, q.Correct.Scalar)
	case domain.TypeMultipleChoice:
		correct = equalSets(normalizeChoices(q.Options, value.Set), normalizeChoices(q.Options, q.Correct.Set))
	case domain.TypeTrueFalse:
		correct = strings.EqualFold(strings.TrimSpace(value.Scalar), strings.TrimSpace(q.Correct.Scalar))
	case domain.TypeShortText, domain.TypeLongText, domain.TypeMedia:
		accepted := lenientMatch(value.Scalar, q.Correct.Scalar)
		return Result{Correct: accepted, Score: award(accepted, q.Marks), PendingReview: true}, nil
	case domain.TypeMatching:
		correct = equalPairs(value.Pairs, q.Correct.Pairs)
	case domain.TypeOrdering:
		correct = equalSequence(trimAll(value.Sequence), trimAll(q.Correct.Sequence))
	case domain.TypeFillBlank:
		correct = matchBlanks(value.Sequence, q.Correct.Sequence)
	default:
		return Result{}, fmt.Errorf("%w: unknown question type %q", domain.ErrValueShape, q.Type)
	}
	return Result{Correct: correct, Score: award(correct, q.Marks)}, nil
}

// ValidateReference checks that a question's correctness reference has the
// shape its type requires. Free-text questions may omit it.
func ValidateReference(q domain.Question) error {
	if !q.Type.Valid() {
		return fmt.Errorf("%w: unknown question type %q", domain.ErrInvalidQuiz, q.Type)
	}
	if q.Marks < 1 {
		return fmt.Errorf("%w: question %d marks must be positive", domain.ErrInvalidQuiz, q.Order)
	}
	if q.Type.FreeText() && q.Correct.Kind == "" {
		return nil
	}
	if q.Correct.Kind != domain.KindFor(q.Type) || q.Correct.IsZero() {
		return fmt.Errorf("%w: question %d needs a %s reference", domain.ErrInvalidQuiz, q.Order, domain.KindFor(q.Type))
	}
	switch q.Type {
	case domain.TypeSingleChoice:
		if choiceKey(q.Options, q.Correct.Scalar) == "" {
			return fmt.Errorf("%w: question %d answer is not one of its options", domain.ErrInvalidQuiz, q.Order)
		}
	case domain.TypeMultipleChoice:
		for _, c := range q.Correct.Set {
			if choiceKey(q.Options, c) == "" {
				return fmt.Errorf("%w: question %d answer %q is not one of its options", domain.ErrInvalidQuiz, q.Order, c)
			}
		}
	case domain.TypeTrueFalse:
		v := strings.ToLower(strings.TrimSpace(q.Correct.Scalar))
		if v != "true" && v != "false" {
			return fmt.Errorf("%w: question %d must be true or false", domain.ErrInvalidQuiz, q.Order)
		}
	}
	return nil
}

func award(correct bool, marks int) int {
	if correct {
		return marks
	}
	return 0
}

// choiceKey resolves a submitted choice to the option value it denotes. An
// exact option match wins; otherwise a single letter A..Z indexes the options.
// Questions without options compare raw trimmed values.
func choiceKey(options []string, raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	if len(options) == 0 {
		return v
	}
	for _, opt := range options {
		if strings.TrimSpace(opt) == v {
			return strings.TrimSpace(opt)
		}
	}
	if len(v) == 1 {
		idx := int(strings.ToUpper(v)[0]) - 'A'
		if idx >= 0 && idx < len(options) {
			return strings.TrimSpace(options[idx])
		}
	}
	return ""
}

// normalizeChoices maps every entry to its option value, then sorts and
// deduplicates so comparison is order and duplicate independent.
func normalizeChoices(options []string, items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		key := choiceKey(options, item)
		if key == "" {
			key = "\x00" + strings.TrimSpace(item)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func equalSets(a, b []string) bool {
	return len(b) > 0 && equalSequence(a, b)
}

func equalSequence(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalPairs(got, want []domain.Pair) bool {
	if len(got) != len(want) || len(want) == 0 {
		return false
	}
	a := sortedPairs(got)
	b := sortedPairs(want)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedPairs(pairs []domain.Pair) []domain.Pair {
	out := make([]domain.Pair, len(pairs))
	for i, p := range pairs {
		out[i] = domain.Pair{Left: strings.TrimSpace(p.Left), Right: strings.TrimSpace(p.Right)}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Left != out[j].Left {
			return out[i].Left < out[j].Left
		}
		return out[i].Right < out[j].Right
	})
	return out
}

// matchBlanks compares blanks case-insensitively. A reference blank may list
// alternatives separated by "|".
func matchBlanks(got, want []string) bool {
	if len(got) != len(want) || len(want) == 0 {
		return false
	}
	for i, blank := range want {
		answer := strings.TrimSpace(got[i])
		ok := false
		for _, alt := range strings.Split(blank, "|") {
			if strings.EqualFold(answer, strings.TrimSpace(alt)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// lenientMatch auto-accepts free text when either side contains the other.
// An empty reference never matches; reviewers settle those answers.
func lenientMatch(answer, reference string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	r := strings.ToLower(strings.TrimSpace(reference))
	if a == "" || r == "" {
		return false
	}
	return strings.Contains(a, r) || strings.Contains(r, a)
}

func trimAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
