package resourcetype

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qvarnlabs/qvarn/core/objstore"
)

func TestSchemaLeafTypes(t *testing.T) {
	entries := Schema(objstore.Object{
		"name":   "",
		"age":    0,
		"active": false,
	})
	want := []SchemaEntry{
		{Path: []string{"active"}, Type: TypeBool},
		{Path: []string{"age"}, Type: TypeInt},
		{Path: []string{"name"}, Type: TypeString},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("got %v, want %v", entries, want)
	}
}

func TestSchemaLists(t *testing.T) {
	entries := Schema(objstore.Object{
		"names": []interface{}{""},
		"empty": []interface{}{},
	})
	want := []SchemaEntry{
		{Path: []string{"empty"}, List: true, Type: TypeAny},
		{Path: []string{"names"}, List: true, Type: TypeString},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("got %v, want %v", entries, want)
	}
}

func TestSchemaDictInList(t *testing.T) {
	entries := Schema(objstore.Object{
		"contacts": []interface{}{
			map[string]interface{}{"kind": "", "value": ""},
		},
	})
	want := []SchemaEntry{
		{Path: []string{"contacts"}, List: true, Type: TypeDict},
		{Path: []string{"contacts", "kind"}, Type: TypeString},
		{Path: []string{"contacts", "value"}, Type: TypeString},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Fatalf("got %v, want %v", entries, want)
	}
}

func TestSchemaOfDecodedJSONNumbers(t *testing.T) {
	// JSON decoding produces float64 for every number
	entries := Schema(objstore.Object{"age": 42.0})
	assert.Equal(t, TypeInt, entries[0].Type)
}

func TestAddMissingFieldsFillsZeroValues(t *testing.T) {
	prototype := objstore.Object{
		"name":   "",
		"age":    0,
		"active": false,
		"tags":   []interface{}{""},
	}
	completed := AddMissingFields(prototype, objstore.Object{"name": "James"})
	assert.Equal(t, "James", completed["name"])
	assert.Equal(t, 0, completed["age"])
	assert.Equal(t, false, completed["active"])
	assert.Equal(t, []interface{}{}, completed["tags"])
}

func TestAddMissingFieldsCompletesDictInList(t *testing.T) {
	prototype := objstore.Object{
		"contacts": []interface{}{
			map[string]interface{}{"kind": "", "value": "", "preferred": false},
		},
	}
	completed := AddMissingFields(prototype, objstore.Object{
		"contacts": []interface{}{
			map[string]interface{}{"kind": "email"},
		},
	})
	contacts := completed["contacts"].([]interface{})
	first := contacts[0].(map[string]interface{})
	assert.Equal(t, "email", first["kind"])
	assert.Equal(t, "", first["value"])
	assert.Equal(t, false, first["preferred"])
}

func TestAddMissingFieldsIsIdempotent(t *testing.T) {
	prototype := objstore.Object{
		"name": "",
		"age":  0,
		"contacts": []interface{}{
			map[string]interface{}{"kind": ""},
		},
	}
	obj := objstore.Object{"name": "James", "contacts": []interface{}{
		map[string]interface{}{},
	}}
	once := AddMissingFields(prototype, obj)
	twice := AddMissingFields(prototype, once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent: %v vs %v", once, twice)
	}
}

func TestAddMissingFieldsKeepsExtraFields(t *testing.T) {
	// completion never removes; the validator rejects unknown fields
	completed := AddMissingFields(objstore.Object{"name": ""}, objstore.Object{"extra": "x"})
	assert.Equal(t, "x", completed["extra"])
	assert.Equal(t, "", completed["name"])
}
