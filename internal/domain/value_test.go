package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestDecodeValueByQuestionType(t *testing.T) {
	cases := []struct {
		name string
		typ  QuestionType
		raw  string
		want Value
	}{
		{"single choice letter", TypeSingleChoice, `"B"`, ScalarValue("B")},
		{"true false bool", TypeTrueFalse, `true`, ScalarValue("true")},
		{"multi select list", TypeMultipleChoice, `["B","A"]`, SetValue("B", "A")},
		{"multi select single", TypeMultipleChoice, `"A"`, SetValue("A")},
		{"ordering", TypeOrdering, `["x","y","z"]`, SequenceValue("x", "y", "z")},
		{"fill blank scalar", TypeFillBlank, `"Paris"`, SequenceValue("Paris")},
		{"matching list", TypeMatching, `[{"left":"a","right":"1"}]`, PairsValue(Pair{Left: "a", Right: "1"})},
		{"matching object", TypeMatching, `{"b":"2","a":"1"}`, PairsValue(Pair{Left: "a", Right: "1"}, Pair{Left: "b", Right: "2"})},
		{"tagged form", TypeShortText, `{"kind":"scalar","value":"free text"}`, ScalarValue("free text")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeValue(tc.typ, json.RawMessage(tc.raw))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestDecodeValueRejectsWrongShape(t *testing.T) {
	if _, err := DecodeValue(TypeSingleChoice, json.RawMessage(`["A","B"]`)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state for list on single choice, got %v", err)
	}
	if _, err := DecodeValue(TypeOrdering, json.RawMessage(`{"kind":"scalar","value":"x"}`)); !errors.Is(err, ErrValueShape) {
		t.Fatalf("expected shape error for mismatched tag, got %v", err)
	}
	if _, err := DecodeValue(QuestionType("essay"), json.RawMessage(`"x"`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := DecodeValue(TypeShortText, nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestValueJSONRoundTripKeepsTag(t *testing.T) {
	in := PairsValue(Pair{Left: "H2O", Right: "water"})
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Value
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", ErrDuplicateAnswer)
	if !errors.Is(wrapped, ErrConflict) {
		t.Fatalf("duplicate answer should be a conflict")
	}
	if !errors.Is(wrapped, ErrDuplicateAnswer) {
		t.Fatalf("expected specific error to match")
	}
	if errors.Is(wrapped, ErrQuizEnded) {
		t.Fatalf("distinct conflicts must not match each other")
	}
	if !errors.Is(ErrQuizNotFound, ErrNotFound) || errors.Is(ErrQuizNotFound, ErrConflict) {
		t.Fatalf("unexpected kind for quiz not found")
	}
}
