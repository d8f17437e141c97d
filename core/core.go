package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Change represents a recorded modification of a resource, one of
// created, updated, deleted.
type Change string

// all supported resource changes
const (
	ChangeCreated Change = "created"
	ChangeUpdated Change = "updated"
	ChangeDeleted Change = "deleted"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (c *Change) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = Change(s)
	switch *c {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Change", s)
	}
}

// Notifier is an interface to receive change notifications for stored
// resources, for example to forward them to an external stream.
type Notifier interface {
	Notify(resource string, change Change, payload []byte)
}

// PropertyNameToCanonicalHeader converts qvarn JSON property names
// to their canonical header representation. Example: "content_type"
// becomes "Content-Type".
func PropertyNameToCanonicalHeader(property string) string {
	parts := strings.Split(property, "_")
	for i := 0; i < len(parts); i++ {
		s := parts[i]
		if len(s) == 0 {
			continue
		}
		s = strings.ToLower(s)
		runes := []rune(s)
		r := runes[0]
		if 'a' <= r && r <= 'z' {
			r += 'A' - 'a'
			runes[0] = r
		}
		parts[i] = string(runes)
	}
	return strings.Join(parts, "-")
}

// CanonicalHeaderToPropertyName converts canonical header names
// to qvarn JSON property names. Example: "Content-Type"
// becomes "content_type".
func CanonicalHeaderToPropertyName(header string) string {
	return strings.ReplaceAll(strings.ToLower(header), "-", "_")
}
