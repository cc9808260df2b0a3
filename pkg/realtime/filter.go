package realtime

import (
	"fmt"
	"strings"
)

// Filter selects the row changes a listener is interested in. Predicate uses
// the column=op.value form, e.g. "user_id=eq.42" or "status=in.(open,pending)".
// An empty predicate matches every row of the resource.
type Filter struct {
	Event     EventType `json:"event"`
	Resource  string    `json:"resource"`
	Predicate string    `json:"predicate,omitempty"`
}

// String renders the filter for logs and diagnostics
func (f Filter) String() string {
	event := f.Event
	if event == "" {
		event = EventAll
	}
	if f.Predicate == "" {
		return fmt.Sprintf("%s:%s", event, f.Resource)
	}
	return fmt.Sprintf("%s:%s:%s", event, f.Resource, f.Predicate)
}

// Validate checks the filter is well formed
func (f Filter) Validate() error {
	if f.Resource == "" {
		return NewError("filter resource is required")
	}
	if _, err := ParseEventType(string(f.Event)); err != nil {
		return err
	}
	if f.Predicate != "" {
		if _, err := ParsePredicate(f.Predicate); err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether the change satisfies the filter. Malformed
// predicates never match.
func (f Filter) Matches(c *Change) bool {
	if c == nil {
		return false
	}
	if f.Resource != c.Resource {
		return false
	}
	if f.Event != "" && f.Event != EventAll && f.Event != c.Type {
		return false
	}
	if f.Predicate == "" {
		return true
	}
	p, err := ParsePredicate(f.Predicate)
	if err != nil {
		return false
	}
	return p.Matches(c.Row())
}

// Operator is a predicate comparison
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpIn  Operator = "in"
)

// Predicate is a parsed filter predicate
type Predicate struct {
	Column string
	Op     Operator
	Values []string
}

// ParsePredicate parses the column=op.value form
func ParsePredicate(s string) (Predicate, error) {
	column, rest, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return Predicate{}, fmt.Errorf("invalid predicate %q: expected column=op.value", s)
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return Predicate{}, fmt.Errorf("invalid predicate %q: expected op.value", s)
	}

	switch Operator(op) {
	case OpEq, OpNeq:
		return Predicate{Column: column, Op: Operator(op), Values: []string{value}}, nil
	case OpIn:
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return Predicate{}, fmt.Errorf("invalid predicate %q: in expects (a,b,...)", s)
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		values := strings.Split(inner, ",")
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}
		return Predicate{Column: column, Op: OpIn, Values: values}, nil
	default:
		return Predicate{}, fmt.Errorf("invalid predicate %q: unsupported operator %q", s, op)
	}
}

// Matches evaluates the predicate against a row
func (p Predicate) Matches(row map[string]any) bool {
	if row == nil {
		return false
	}
	_, present := row[p.Column]
	got := StringField(row, p.Column)

	switch p.Op {
	case OpEq:
		return present && got == p.Values[0]
	case OpNeq:
		return !present || got != p.Values[0]
	case OpIn:
		if !present {
			return false
		}
		for _, v := range p.Values {
			if got == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Eq builds an equality predicate
func Eq(column, value string) string {
	return column + "=eq." + value
}
