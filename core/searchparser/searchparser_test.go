package searchparser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qvarnlabs/qvarn/core/objstore"
)

func TestParseEmptyExpression(t *testing.T) {
	_, err := Parse("")
	var parseErr SearchParserError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected SearchParserError, got %v", err)
	}
	assert.Equal(t, "No condition given", parseErr.Message)
}

func TestParseSingleCondition(t *testing.T) {
	params, err := Parse("exact/full_name/James")
	if err != nil {
		t.Fatal(err)
	}
	if params.Cond == nil {
		t.Fatal("expected a condition")
	}
	assert.Equal(t, []string{"full_name"}, params.Fields)
	pairs := objstore.Flatten(objstore.Object{"full_name": "james"})
	if !params.Cond.Matches(objstore.Keys{}, pairs) {
		t.Fatal("condition should match case-insensitively")
	}
}

func TestParseAllOperators(t *testing.T) {
	params, err := Parse("exact/a/1/ne/b/2/gt/c/3/ge/d/4/lt/e/5/le/f/6/contains/g/7/startswith/h/8")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, params.Fields)
}

func TestParseMultipleConditionsCombineIntoAll(t *testing.T) {
	params, err := Parse("exact/a/1/exact/b/2")
	if err != nil {
		t.Fatal(err)
	}
	matching := objstore.Flatten(objstore.Object{"a": "1", "b": "2"})
	partial := objstore.Flatten(objstore.Object{"a": "1", "b": "3"})
	if !params.Cond.Matches(objstore.Keys{}, matching) {
		t.Fatal("both leaves hold")
	}
	if params.Cond.Matches(objstore.Keys{}, partial) {
		t.Fatal("one leaf fails, All must fail")
	}
}

func TestParseUnknownOperator(t *testing.T) {
	_, err := Parse("fuzzy/name/james")
	var parseErr SearchParserError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected SearchParserError, got %v", err)
	}
}

func TestParseArityUnderflow(t *testing.T) {
	for _, expression := range []string{"exact", "exact/name", "sort", "show", "offset", "limit"} {
		_, err := Parse(expression)
		var parseErr SearchParserError
		if !errors.As(err, &parseErr) {
			t.Fatalf("%q: expected SearchParserError, got %v", expression, err)
		}
	}
}

func TestParseShowAndShowAllAreExclusive(t *testing.T) {
	_, err := Parse("exact/a/1/show/b/show_all")
	var parseErr SearchParserError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected SearchParserError, got %v", err)
	}
	_, err = Parse("exact/a/1/show_all/show/b")
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected SearchParserError, got %v", err)
	}
}

func TestParseProjection(t *testing.T) {
	params, err := Parse("exact/a/1/show/b/show/c")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{"b", "c"}, params.ShowFields)
	assert.False(t, params.ShowAll)

	params, err = Parse("exact/a/1/show_all")
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, params.ShowAll)
}

func TestParseSortOffsetLimit(t *testing.T) {
	params, err := Parse("exact/a/1/sort/b/sort/c/offset/10/limit/5")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{"b", "c"}, params.SortKeys)
	assert.Equal(t, 10, params.Offset)
	assert.Equal(t, 5, params.Limit)
}

func TestParseOffsetLimitNeedSort(t *testing.T) {
	for _, expression := range []string{"exact/a/1/limit/5", "exact/a/1/offset/2"} {
		_, err := Parse(expression)
		var needSort NeedSortOperatorError
		if !errors.As(err, &needSort) {
			t.Fatalf("%q: expected NeedSortOperatorError, got %v", expression, err)
		}
	}
}

func TestParseBadInteger(t *testing.T) {
	_, err := Parse("exact/a/1/sort/a/limit/many")
	var parseErr SearchParserError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected SearchParserError, got %v", err)
	}
	_, err = Parse("exact/a/1/sort/a/limit/-1")
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected SearchParserError for negative, got %v", err)
	}
}

func TestParseDuplicateOffset(t *testing.T) {
	_, err := Parse("exact/a/1/sort/a/offset/1/offset/2")
	var parseErr SearchParserError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected SearchParserError, got %v", err)
	}
}

func TestParsePercentDecoding(t *testing.T) {
	params, err := Parse("exact/path/%2Fsubjects")
	if err != nil {
		t.Fatal(err)
	}
	pairs := objstore.Flatten(objstore.Object{"path": "/subjects"})
	if !params.Cond.Matches(objstore.Keys{}, pairs) {
		t.Fatal("percent-encoded slash should match a literal slash")
	}
}

func TestParseDefaultsWithoutOffsetLimit(t *testing.T) {
	params, err := Parse("exact/a/1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, -1, params.Offset)
	assert.Equal(t, -1, params.Limit)
}
