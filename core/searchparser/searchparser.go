/*Package searchparser parses the slash-delimited search grammar used by
the /search route of resource collections.

A search expression is a sequence of slash-separated words. Condition
operators consume a field name and a pattern, show consumes one field
name, show_all consumes nothing, sort consumes a field name, offset and
limit consume a non-negative integer:

	exact/name/James/show_all
	gt/age/18/sort/age/offset/10/limit/5

Field names and patterns are percent-decoded, so values containing
slashes can be searched for.
*/
package searchparser

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qvarnlabs/qvarn/core/objstore"
)

// SearchParserError reports a malformed search expression.
type SearchParserError struct {
	Message string
}

func (e SearchParserError) Error() string {
	return e.Message
}

// NeedSortOperatorError reports offset or limit used without sort.
type NeedSortOperatorError struct{}

func (e NeedSortOperatorError) Error() string {
	return "LIMIT and OFFSET can only be used with together SORT"
}

// SearchParameters is the parsed form of a search expression.
type SearchParameters struct {
	// Cond combines all condition operators of the expression; nil when
	// the expression has only sort/show/offset/limit words (the caller
	// rejects that as missing criteria).
	Cond objstore.Condition
	// Fields lists the field names used by the condition operators, in
	// order, so callers can check them against a resource type.
	Fields []string
	// SortKeys lists the sort fields in the order given.
	SortKeys []string
	// ShowFields lists the fields requested with show.
	ShowFields []string
	// ShowAll is set when show_all was given.
	ShowAll bool
	// Offset and Limit are negative when not given.
	Offset int
	Limit  int
}

type conditionMaker func(name, pattern string) objstore.Condition

var conditionOperators = map[string]conditionMaker{
	"exact":      objstore.Equal,
	"ne":         objstore.NotEqual,
	"gt":         objstore.GreaterThan,
	"ge":         objstore.GreaterOrEqual,
	"lt":         objstore.LessThan,
	"le":         objstore.LessOrEqual,
	"contains":   objstore.Contains,
	"startswith": objstore.Startswith,
}

// Parse parses a search expression into SearchParameters.
func Parse(expression string) (*SearchParameters, error) {
	if expression == "" {
		return nil, SearchParserError{Message: "No condition given"}
	}
	words := strings.Split(expression, "/")
	params := &SearchParameters{Offset: -1, Limit: -1}
	var conds []objstore.Condition

	pop := func(operator string) (string, error) {
		if len(words) == 0 {
			return "", SearchParserError{Message: fmt.Sprintf("%s: missing argument", operator)}
		}
		word, err := url.PathUnescape(words[0])
		if err != nil {
			return "", SearchParserError{Message: fmt.Sprintf("%s: bad escape in %q", operator, words[0])}
		}
		words = words[1:]
		return word, nil
	}

	for len(words) > 0 {
		operator := words[0]
		words = words[1:]
		if maker, ok := conditionOperators[operator]; ok {
			name, err := pop(operator)
			if err != nil {
				return nil, err
			}
			pattern, err := pop(operator)
			if err != nil {
				return nil, err
			}
			conds = append(conds, maker(name, pattern))
			params.Fields = append(params.Fields, name)
			continue
		}
		switch operator {
		case "show":
			if params.ShowAll {
				return nil, SearchParserError{Message: "cannot combine show and show_all"}
			}
			field, err := pop(operator)
			if err != nil {
				return nil, err
			}
			params.ShowFields = append(params.ShowFields, field)
		case "show_all":
			if len(params.ShowFields) > 0 {
				return nil, SearchParserError{Message: "cannot combine show and show_all"}
			}
			params.ShowAll = true
		case "sort":
			field, err := pop(operator)
			if err != nil {
				return nil, err
			}
			params.SortKeys = append(params.SortKeys, field)
		case "offset":
			value, err := popInt(operator, pop, params.Offset)
			if err != nil {
				return nil, err
			}
			params.Offset = value
		case "limit":
			value, err := popInt(operator, pop, params.Limit)
			if err != nil {
				return nil, err
			}
			params.Limit = value
		default:
			return nil, SearchParserError{Message: fmt.Sprintf("unknown operator %q", operator)}
		}
	}

	if (params.Offset >= 0 || params.Limit >= 0) && len(params.SortKeys) == 0 {
		return nil, NeedSortOperatorError{}
	}

	switch len(conds) {
	case 0:
	case 1:
		params.Cond = conds[0]
	default:
		params.Cond = objstore.All(conds...)
	}
	return params, nil
}

func popInt(operator string, pop func(string) (string, error), previous int) (int, error) {
	if previous >= 0 {
		return 0, SearchParserError{Message: fmt.Sprintf("%s can only be used once", operator)}
	}
	word, err := pop(operator)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(word)
	if err != nil || value < 0 {
		return 0, SearchParserError{Message: fmt.Sprintf("%s: not a non-negative integer: %q", operator, word)}
	}
	return value, nil
}
