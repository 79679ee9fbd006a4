// Package filter implements the subscription predicates evaluated against change payloads,
// and the field projection applied to matching payloads before delivery.
//
// A filter is compiled once, when a client subscribes, into a tree of Expr values.
// Evaluation never fails: a predicate on a field that is absent from the payload is
// simply false, so a badly targeted filter only stops matching instead of breaking
// delivery for other subscribers.
package filter

// Expr is a compiled predicate over a flattened payload.
type Expr interface {
	Match(row Row) bool
}

// All matches every row. It is the filter of subscriptions that did not specify one.
type All struct{}

func (All) Match(Row) bool { return true }

// Eq matches when Field equals Value.
type Eq struct {
	Field string
	Value any
}

func (e Eq) Match(row Row) bool {
	v, ok := row[e.Field]
	return ok && equal(v, e.Value)
}

// Ne matches when Field is present and differs from Value.
type Ne struct {
	Field string
	Value any
}

func (e Ne) Match(row Row) bool {
	v, ok := row[e.Field]
	return ok && !equal(v, e.Value)
}

// In matches when Field equals one of Values.
type In struct {
	Field  string
	Values []any
}

func (e In) Match(row Row) bool {
	v, ok := row[e.Field]
	if !ok {
		return false
	}
	for _, candidate := range e.Values {
		if equal(v, candidate) {
			return true
		}
	}
	return false
}

// NotIn matches when Field is present and equals none of Values.
type NotIn struct {
	Field  string
	Values []any
}

func (e NotIn) Match(row Row) bool {
	if _, ok := row[e.Field]; !ok {
		return false
	}
	return !In(e).Match(row)
}

// CmpOp is an ordering operator.
type CmpOp string

const (
	OpGt  CmpOp = "gt"
	OpGte CmpOp = "gte"
	OpLt  CmpOp = "lt"
	OpLte CmpOp = "lte"
)

// Cmp orders Field against Value. Numbers compare numerically and strings lexically;
// any other combination does not match.
type Cmp struct {
	Field string
	Op    CmpOp
	Value any
}

func (e Cmp) Match(row Row) bool {
	v, ok := row[e.Field]
	if !ok {
		return false
	}
	c, ok := compare(v, e.Value)
	if !ok {
		return false
	}
	switch e.Op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

// Not negates Expr.
type Not struct {
	Expr Expr
}

func (e Not) Match(row Row) bool { return !e.Expr.Match(row) }

// And matches when every child matches. Evaluation stops at the first miss.
type And []Expr

func (e And) Match(row Row) bool {
	for _, child := range e {
		if !child.Match(row) {
			return false
		}
	}
	return true
}

// Or matches when any child matches. Evaluation stops at the first hit.
type Or []Expr

func (e Or) Match(row Row) bool {
	for _, child := range e {
		if child.Match(row) {
			return true
		}
	}
	return false
}

// Match evaluates expr against payload. A nil expr matches everything.
func Match(expr Expr, payload any) bool {
	if expr == nil {
		return true
	}
	return expr.Match(Flatten(payload))
}
