package resourcetype

import (
	"fmt"
	"strings"

	"github.com/qvarnlabs/qvarn/core/objstore"
)

// The validation error kinds. Each maps to a 400 at the HTTP boundary.

// NotADictError reports a resource body that is not a JSON object.
type NotADictError struct{}

func (e NotADictError) Error() string {
	return "resource is not a JSON object"
}

// NoTypeError reports a resource without a type field.
type NoTypeError struct{}

func (e NoTypeError) Error() string {
	return `resource has no "type" field`
}

// WrongTypeError reports a resource whose type differs from its
// collection's type.
type WrongTypeError struct {
	Have string
	Want string
}

func (e WrongTypeError) Error() string {
	return fmt.Sprintf("resource has type %q, expected %q", e.Have, e.Want)
}

// NoIdError reports a missing id field where one is required.
type NoIdError struct{}

func (e NoIdError) Error() string {
	return `resource has no "id" field, but one is expected`
}

// HasIdError reports an id field where none is allowed.
type HasIdError struct {
	Id string
}

func (e HasIdError) Error() string {
	return fmt.Sprintf("resource has id %s, but it must not have one", e.Id)
}

// NoRevisionError reports a missing revision field where one is
// required.
type NoRevisionError struct{}

func (e NoRevisionError) Error() string {
	return `resource has no "revision" field, but one is expected`
}

// HasRevisionError reports a revision field where none is allowed.
type HasRevisionError struct {
	Revision string
}

func (e HasRevisionError) Error() string {
	return fmt.Sprintf("resource has revision %s, but it must not have one", e.Revision)
}

// UnknownFieldError reports a field path the prototype does not
// declare, or declares with an incompatible type.
type UnknownFieldError struct {
	Field string
}

func (e UnknownFieldError) Error() string {
	return fmt.Sprintf("resource field %q is not declared by the resource type", e.Field)
}

// UnknownSubpathError reports an undeclared sub-path name.
type UnknownSubpathError struct {
	Subpath string
}

func (e UnknownSubpathError) Error() string {
	return fmt.Sprintf("sub-path %q is not declared by the resource type", e.Subpath)
}

// Coerce converts a decoded JSON value into an Object, reporting
// NotADictError for any other shape.
func Coerce(value interface{}) (objstore.Object, error) {
	switch v := value.(type) {
	case objstore.Object:
		return v, nil
	case map[string]interface{}:
		return objstore.Object(v), nil
	}
	return nil, NotADictError{}
}

func validateType(obj objstore.Object, rt *ResourceType) error {
	typeValue, present := obj["type"]
	if !present {
		return NoTypeError{}
	}
	typeName, _ := typeValue.(string)
	if typeName != rt.Type() {
		return WrongTypeError{Have: typeName, Want: rt.Type()}
	}
	return nil
}

// metaFields are set by the system, not declared by prototypes.
var metaFields = map[string]bool{"type": true, "id": true, "revision": true}

// validateFields asserts that every schema entry of obj appears in the
// prototype with a compatible type.
func validateFields(obj objstore.Object, prototype objstore.Object, allowMeta bool) error {
	declared := map[string]SchemaEntry{}
	for _, entry := range Schema(prototype) {
		declared[strings.Join(entry.Path, ".")] = entry
	}
	for _, entry := range Schema(obj) {
		path := strings.Join(entry.Path, ".")
		if allowMeta && len(entry.Path) == 1 && metaFields[entry.Path[0]] {
			continue
		}
		want, ok := declared[path]
		if !ok || !compatible(want, entry) {
			return UnknownFieldError{Field: path}
		}
	}
	return nil
}

// compatible reports whether a resource entry fits a prototype entry at
// the same path. TypeAny on either side matches anything; an empty list
// in the resource fits any declared list.
func compatible(proto, have SchemaEntry) bool {
	if proto.List != have.List {
		return false
	}
	if proto.Type == TypeAny || have.Type == TypeAny {
		return true
	}
	return proto.Type == have.Type
}

// ValidateNewResource checks a body for POST: correct type, no id, no
// revision, all fields declared.
func ValidateNewResource(obj objstore.Object, rt *ResourceType) error {
	if err := validateType(obj, rt); err != nil {
		return err
	}
	if id, present := obj["id"]; present {
		return HasIdError{Id: fmt.Sprint(id)}
	}
	if revision, present := obj["revision"]; present {
		return HasRevisionError{Revision: fmt.Sprint(revision)}
	}
	return validateFields(obj, rt.LatestPrototype(), true)
}

// ValidateNewResourceWithID is ValidateNewResource for callers with the
// set_meta_fields capability: a supplied id or revision is accepted.
func ValidateNewResourceWithID(obj objstore.Object, rt *ResourceType) error {
	if err := validateType(obj, rt); err != nil {
		return err
	}
	return validateFields(obj, rt.LatestPrototype(), true)
}

// ValidateResourceUpdate checks a body for PUT: correct type, id and
// revision present, all fields declared.
func ValidateResourceUpdate(obj objstore.Object, rt *ResourceType) error {
	if err := validateType(obj, rt); err != nil {
		return err
	}
	if _, present := obj["id"]; !present {
		return NoIdError{}
	}
	if _, present := obj["revision"]; !present {
		return NoRevisionError{}
	}
	return validateFields(obj, rt.LatestPrototype(), true)
}

// ValidateSubresource checks a body against the prototype of the named
// sub-path.
func ValidateSubresource(subpath string, rt *ResourceType, obj objstore.Object) error {
	prototype, declared := rt.Subpaths()[subpath]
	if !declared {
		return UnknownSubpathError{Subpath: subpath}
	}
	return validateFields(obj, prototype, false)
}
