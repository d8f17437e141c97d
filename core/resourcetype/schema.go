package resourcetype

import (
	"sort"
	"strings"

	"github.com/qvarnlabs/qvarn/core/objstore"
)

// FieldType classifies a prototype or resource leaf.
type FieldType int

const (
	// TypeAny is the element type of an empty list; it is compatible
	// with every declared element type.
	TypeAny FieldType = iota
	TypeString
	TypeInt
	TypeBool
	TypeDict
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeDict:
		return "dict"
	}
	return "any"
}

// SchemaEntry is one leaf of a schema walk: the field path from the
// root, whether the field is a list, and the leaf or element type.
type SchemaEntry struct {
	Path []string
	List bool
	Type FieldType
}

// Schema walks a prototype or resource into its sorted list of schema
// entries. Dict-valued list elements contribute the entry of the list
// itself plus entries for the element fields, so nested shapes compare
// field by field.
func Schema(obj objstore.Object) []SchemaEntry {
	var entries []SchemaEntry
	walkSchema(nil, map[string]interface{}(obj), &entries)
	sort.Slice(entries, func(i, j int) bool {
		a := strings.Join(entries[i].Path, ".")
		b := strings.Join(entries[j].Path, ".")
		if a != b {
			return a < b
		}
		return entries[i].Type < entries[j].Type
	})
	return entries
}

func walkSchema(path []string, value interface{}, entries *[]SchemaEntry) {
	switch v := value.(type) {
	case map[string]interface{}:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			field := append(append([]string(nil), path...), name)
			fieldValue := v[name]
			if list, ok := fieldValue.([]interface{}); ok {
				*entries = append(*entries, SchemaEntry{Path: field, List: true, Type: listElemType(list)})
				for _, element := range list {
					if dict, ok := element.(map[string]interface{}); ok {
						walkSchema(field, dict, entries)
					}
				}
				continue
			}
			if dict, ok := fieldValue.(map[string]interface{}); ok {
				walkSchema(field, dict, entries)
				continue
			}
			*entries = append(*entries, SchemaEntry{Path: field, Type: leafType(fieldValue)})
		}
	}
}

func listElemType(list []interface{}) FieldType {
	if len(list) == 0 {
		return TypeAny
	}
	if _, ok := list[0].(map[string]interface{}); ok {
		return TypeDict
	}
	return leafType(list[0])
}

func leafType(value interface{}) FieldType {
	switch value.(type) {
	case string:
		return TypeString
	case bool:
		return TypeBool
	case int, int64, float64:
		return TypeInt
	case nil:
		return TypeAny
	}
	return TypeAny
}

// zeroValue returns the fill-in value for a missing field of the given
// prototype value.
func zeroValue(protoValue interface{}) interface{} {
	switch protoValue.(type) {
	case string:
		return ""
	case bool:
		return false
	case int, int64, float64:
		return 0
	case []interface{}:
		return []interface{}{}
	case map[string]interface{}:
		return map[string]interface{}{}
	}
	return nil
}

// AddMissingFields returns a copy of obj with every field of the
// prototype that obj lacks filled in with the zero value of its
// declared type. Dict elements of list fields are completed recursively
// against the prototype's element.
func AddMissingFields(prototype, obj objstore.Object) objstore.Object {
	return objstore.Object(completeDict(map[string]interface{}(prototype), map[string]interface{}(obj)))
}

func completeDict(proto, obj map[string]interface{}) map[string]interface{} {
	completed := map[string]interface{}{}
	for name, value := range obj {
		completed[name] = value
	}
	for name, protoValue := range proto {
		value, present := completed[name]
		if !present {
			completed[name] = zeroValue(protoValue)
			continue
		}
		protoList, isProtoList := protoValue.([]interface{})
		list, isList := value.([]interface{})
		if isProtoList && isList && len(protoList) > 0 {
			if protoElem, ok := protoList[0].(map[string]interface{}); ok {
				filled := make([]interface{}, len(list))
				for i, element := range list {
					if dict, ok := element.(map[string]interface{}); ok {
						filled[i] = completeDict(protoElem, dict)
					} else {
						filled[i] = element
					}
				}
				completed[name] = filled
			}
			continue
		}
		protoDict, isProtoDict := protoValue.(map[string]interface{})
		dict, isDict := value.(map[string]interface{})
		if isProtoDict && isDict {
			completed[name] = completeDict(protoDict, dict)
		}
	}
	return completed
}
