package objstore

import (
	"sort"
	"strconv"
)

// Pair is one flattened (field name, leaf value) pair of an object.
type Pair struct {
	Name  string
	Value interface{}
}

// Flatten walks the object depth-first and returns every (leaf field
// name, leaf value) pair, deduplicated and sorted. List elements
// inherit the enclosing field name. The result is stable: structurally
// equal objects flatten to equal lists.
func Flatten(obj Object) []Pair {
	var pairs []Pair
	for name, value := range obj {
		pairs = flattenValue(pairs, name, value)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Name != pairs[j].Name {
			return pairs[i].Name < pairs[j].Name
		}
		return ValueText(pairs[i].Value) < ValueText(pairs[j].Value)
	})
	deduped := pairs[:0]
	for i, p := range pairs {
		if i > 0 && p.Name == pairs[i-1].Name && ValueText(p.Value) == ValueText(pairs[i-1].Value) {
			continue
		}
		deduped = append(deduped, p)
	}
	return deduped
}

func flattenValue(pairs []Pair, name string, value interface{}) []Pair {
	switch v := value.(type) {
	case map[string]interface{}:
		for childName, childValue := range v {
			pairs = flattenValue(pairs, childName, childValue)
		}
	case Object:
		for childName, childValue := range v {
			pairs = flattenValue(pairs, childName, childValue)
		}
	case []interface{}:
		for _, element := range v {
			pairs = flattenValue(pairs, name, element)
		}
	default:
		pairs = append(pairs, Pair{Name: name, Value: value})
	}
	return pairs
}

// ValueText renders a leaf value the way the database renders JSON
// scalars as text. Integral floats render without a decimal point so
// that decoded JSON numbers compare equal to literal integers.
func ValueText(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
