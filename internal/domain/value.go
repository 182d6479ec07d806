package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ValueKind tags the shape carried by a Value.
type ValueKind string

const (
	KindScalar   ValueKind = "scalar"
	KindSet      ValueKind = "set"
	KindPairs    ValueKind = "pairs"
	KindSequence ValueKind = "sequence"
)

var valueKinds = map[QuestionType]ValueKind{
	TypeSingleChoice:   KindScalar,
	TypeMultipleChoice: KindSet,
	TypeTrueFalse:      KindScalar,
	TypeShortText:      KindScalar,
	TypeLongText:       KindScalar,
	TypeMedia:          KindScalar,
	TypeMatching:       KindPairs,
	TypeOrdering:       KindSequence,
	TypeFillBlank:      KindSequence,
}

// KindFor returns the value shape expected for a question type.
func KindFor(t QuestionType) ValueKind {
	return valueKinds[t]
}

// Pair is one left/right association of a matching question.
type Pair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Value is a submitted answer or a correctness reference. Exactly one field
// matching Kind is meaningful.
type Value struct {
	Kind     ValueKind
	Scalar   string
	Set      []string
	Pairs    []Pair
	Sequence []string
}

func ScalarValue(s string) Value          { return Value{Kind: KindScalar, Scalar: s} }
func SetValue(items ...string) Value      { return Value{Kind: KindSet, Set: items} }
func PairsValue(pairs ...Pair) Value      { return Value{Kind: KindPairs, Pairs: pairs} }
func SequenceValue(items ...string) Value { return Value{Kind: KindSequence, Sequence: items} }

// IsZero reports whether no value was provided.
func (v Value) IsZero() bool {
	switch v.Kind {
	case KindScalar:
		return v.Scalar == ""
	case KindSet:
		return len(v.Set) == 0
	case KindPairs:
		return len(v.Pairs) == 0
	case KindSequence:
		return len(v.Sequence) == 0
	}
	return true
}

type taggedValue struct {
	Kind  ValueKind       `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON stores the value with its tag so it round-trips through JSONB.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind {
	case KindScalar:
		payload = v.Scalar
	case KindSet:
		payload = nonNil(v.Set)
	case KindPairs:
		if v.Pairs == nil {
			payload = []Pair{}
		} else {
			payload = v.Pairs
		}
	case KindSequence:
		payload = nonNil(v.Sequence)
	case "":
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unknown value kind %q", v.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON reads the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*v = Value{}
		return nil
	}
	var tagged taggedValue
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	out := Value{Kind: tagged.Kind}
	var err error
	switch tagged.Kind {
	case KindScalar:
		err = json.Unmarshal(tagged.Value, &out.Scalar)
	case KindSet:
		err = json.Unmarshal(tagged.Value, &out.Set)
	case KindPairs:
		err = json.Unmarshal(tagged.Value, &out.Pairs)
	case KindSequence:
		err = json.Unmarshal(tagged.Value, &out.Sequence)
	default:
		return fmt.Errorf("unknown value kind %q", tagged.Kind)
	}
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// DecodeValue parses a raw client payload into the shape the question type
// expects. Clients send plain JSON (a string, a boolean, a list of strings, a
// list of pairs or an object of left->right); the tagged form is accepted too.
func DecodeValue(t QuestionType, raw json.RawMessage) (Value, error) {
	kind, ok := valueKinds[t]
	if !ok {
		return Value{}, fmt.Errorf("%w: unknown question type %q", ErrValueShape, t)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Value{}, fmt.Errorf("%w: empty value", ErrValueShape)
	}

	var tagged taggedValue
	if raw[0] == '{' && json.Unmarshal(raw, &tagged) == nil && tagged.Kind != "" {
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrValueShape, err)
		}
		if v.Kind != kind {
			return Value{}, fmt.Errorf("%w: %s expects %s, got %s", ErrValueShape, t, kind, v.Kind)
		}
		return v, nil
	}

	switch kind {
	case KindScalar:
		s, err := decodeScalar(raw)
		if err != nil {
			return Value{}, err
		}
		return ScalarValue(s), nil
	case KindSet, KindSequence:
		var items []string
		if raw[0] == '[' {
			if err := json.Unmarshal(raw, &items); err != nil {
				return Value{}, fmt.Errorf("%w: %v", ErrValueShape, err)
			}
		} else {
			s, err := decodeScalar(raw)
			if err != nil {
				return Value{}, err
			}
			items = []string{s}
		}
		if kind == KindSet {
			return SetValue(items...), nil
		}
		return SequenceValue(items...), nil
	case KindPairs:
		return decodePairs(raw)
	}
	return Value{}, fmt.Errorf("%w: unsupported kind %s", ErrValueShape, kind)
}

func decodeScalar(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: expected a single value", ErrValueShape)
}

func decodePairs(raw json.RawMessage) (Value, error) {
	if raw[0] == '[' {
		var pairs []Pair
		if err := json.Unmarshal(raw, &pairs); err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrValueShape, err)
		}
		return PairsValue(pairs...), nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return Value{}, fmt.Errorf("%w: expected pairs", ErrValueShape)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]Pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, Pair{Left: k, Right: m[k]})
	}
	return PairsValue(pairs...), nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
