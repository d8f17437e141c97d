package objstore

import (
	"strconv"
	"strings"
)

// Condition is a predicate over a stored object. Conditions are a
// closed set: the comparison leaves, the logical All/Yes/No, the
// case-sensitive ResourceTypeIs and the access filter AccessIsAllowed.
//
// Every condition can be evaluated in memory against the flattened
// field pairs of an object; the comparison leaves additionally compile
// to a SQL fragment against the auxiliary field table, and
// AccessIsAllowed compiles to a filter on the allow-rule table.
type Condition interface {
	// Matches reports whether the condition holds for an object with
	// the given keys and flattened pairs.
	Matches(keys Keys, pairs []Pair) bool
}

// MatchesObject evaluates cond against a full object. A nil condition
// matches everything.
func MatchesObject(cond Condition, keys Keys, body Object) bool {
	if cond == nil {
		return true
	}
	return cond.Matches(keys, Flatten(body))
}

type compareOp int

const (
	opEqual compareOp = iota
	opNotEqual
	opGreaterThan
	opGreaterOrEqual
	opLessThan
	opLessOrEqual
	opContains
	opStartswith
)

// fieldCompare is a leaf comparing a flattened field to a pattern.
// String comparisons are case-insensitive unless caseSensitive is set.
type fieldCompare struct {
	name          string
	pattern       string
	op            compareOp
	caseSensitive bool
}

// Equal matches objects with a field name whose value equals pattern,
// ignoring case.
func Equal(name, pattern string) Condition {
	return &fieldCompare{name: name, pattern: pattern, op: opEqual}
}

// NotEqual matches objects with a field name whose value differs from
// pattern, ignoring case.
func NotEqual(name, pattern string) Condition {
	return &fieldCompare{name: name, pattern: pattern, op: opNotEqual}
}

// GreaterThan matches objects with a field name whose value orders
// after pattern. Numbers order numerically, everything else as
// lower-cased text.
func GreaterThan(name, pattern string) Condition {
	return &fieldCompare{name: name, pattern: pattern, op: opGreaterThan}
}

// GreaterOrEqual is like GreaterThan but also accepts equality.
func GreaterOrEqual(name, pattern string) Condition {
	return &fieldCompare{name: name, pattern: pattern, op: opGreaterOrEqual}
}

// LessThan matches objects with a field name whose value orders before
// pattern.
func LessThan(name, pattern string) Condition {
	return &fieldCompare{name: name, pattern: pattern, op: opLessThan}
}

// LessOrEqual is like LessThan but also accepts equality.
func LessOrEqual(name, pattern string) Condition {
	return &fieldCompare{name: name, pattern: pattern, op: opLessOrEqual}
}

// Contains matches objects with a field name whose value contains
// pattern as a substring, ignoring case.
func Contains(name, pattern string) Condition {
	return &fieldCompare{name: name, pattern: pattern, op: opContains}
}

// Startswith matches objects with a field name whose value starts with
// pattern, ignoring case.
func Startswith(name, pattern string) Condition {
	return &fieldCompare{name: name, pattern: pattern, op: opStartswith}
}

// ResourceTypeIs matches objects whose type field equals typeName. The
// comparison is case-sensitive, unlike Equal.
func ResourceTypeIs(typeName string) Condition {
	return &fieldCompare{name: "type", pattern: typeName, op: opEqual, caseSensitive: true}
}

func (f *fieldCompare) Matches(keys Keys, pairs []Pair) bool {
	for _, pair := range pairs {
		if !f.nameMatches(pair.Name) {
			continue
		}
		if f.valueMatches(ValueText(pair.Value)) {
			return true
		}
	}
	return false
}

func (f *fieldCompare) nameMatches(name string) bool {
	if f.caseSensitive {
		return name == f.name
	}
	return strings.EqualFold(name, f.name)
}

func (f *fieldCompare) valueMatches(text string) bool {
	value, pattern := text, f.pattern
	if !f.caseSensitive {
		value = strings.ToLower(value)
		pattern = strings.ToLower(pattern)
	}
	switch f.op {
	case opEqual:
		return value == pattern
	case opNotEqual:
		return value != pattern
	case opContains:
		return strings.Contains(value, pattern)
	case opStartswith:
		return strings.HasPrefix(value, pattern)
	}
	// ordering comparison, numeric if both sides are numbers
	var order int
	v, errv := strconv.ParseFloat(text, 64)
	p, errp := strconv.ParseFloat(f.pattern, 64)
	if errv == nil && errp == nil {
		switch {
		case v < p:
			order = -1
		case v > p:
			order = 1
		}
	} else {
		order = strings.Compare(value, pattern)
	}
	switch f.op {
	case opGreaterThan:
		return order > 0
	case opGreaterOrEqual:
		return order >= 0
	case opLessThan:
		return order < 0
	case opLessOrEqual:
		return order <= 0
	}
	return false
}

// compileAux returns a SQL fragment matching one auxiliary field row.
// Ordering operators compare lower-cased text here, the form the aux
// values are stored in, matching how the original service orders them;
// candidates pruned at this stage never reach the collection manager's
// in-memory re-filter. The text semantics is intentional and must stay
// the same in both backends.
func (f *fieldCompare) compileAux(c *compiler) string {
	var name, value string
	if f.caseSensitive {
		name = "field->>'name' = " + c.bind(f.name)
		value = "field->>'value'"
	} else {
		name = "lower(field->>'name') = lower(" + c.bind(f.name) + ")"
		value = "lower(field->>'value')"
	}
	pattern := c.bind(f.pattern)
	if !f.caseSensitive {
		pattern = "lower(" + pattern + ")"
	}
	var cmp string
	switch f.op {
	case opEqual:
		cmp = value + " = " + pattern
	case opNotEqual:
		cmp = value + " <> " + pattern
	case opGreaterThan:
		cmp = value + " > " + pattern
	case opGreaterOrEqual:
		cmp = value + " >= " + pattern
	case opLessThan:
		cmp = value + " < " + pattern
	case opLessOrEqual:
		cmp = value + " <= " + pattern
	case opContains:
		cmp = "position(" + pattern + " in " + value + ") > 0"
	case opStartswith:
		cmp = "position(" + pattern + " in " + value + ") = 1"
	}
	return "(" + name + " AND " + cmp + ")"
}

type allCondition struct {
	conds []Condition
}

// All matches objects that match every one of the given conditions.
func All(conds ...Condition) Condition {
	return &allCondition{conds: conds}
}

func (a *allCondition) Matches(keys Keys, pairs []Pair) bool {
	for _, cond := range a.conds {
		if !cond.Matches(keys, pairs) {
			return false
		}
	}
	return true
}

type yesCondition struct{}

// Yes matches every object.
func Yes() Condition {
	return yesCondition{}
}

func (yesCondition) Matches(Keys, []Pair) bool {
	return true
}

type noCondition struct{}

// No matches no object.
func No() Condition {
	return noCondition{}
}

func (noCondition) Matches(Keys, []Pair) bool {
	return false
}

// auxLeaves flattens a condition tree into its comparison leaves for
// compilation against the auxiliary table. The second return value is
// false when the condition cannot match anything at all.
func auxLeaves(cond Condition) ([]*fieldCompare, bool) {
	switch v := cond.(type) {
	case nil:
		return nil, true
	case yesCondition:
		return nil, true
	case noCondition:
		return nil, false
	case *fieldCompare:
		return []*fieldCompare{v}, true
	case *allCondition:
		var leaves []*fieldCompare
		for _, sub := range v.conds {
			subLeaves, ok := auxLeaves(sub)
			if !ok {
				return nil, false
			}
			leaves = append(leaves, subLeaves...)
		}
		return leaves, true
	}
	// Unknown condition kinds cannot be compiled; they are applied in
	// memory by the caller.
	return nil, true
}

// compiler collects bound query parameters while a condition tree is
// compiled into SQL fragments. Parameter placeholders are minted from
// the running argument count.
type compiler struct {
	schema       string
	objectsAlias string
	primaryKey   string
	subpathKey   string
	args         []interface{}
}

func (c *compiler) bind(value interface{}) string {
	c.args = append(c.args, value)
	return "$" + strconv.Itoa(len(c.args))
}
