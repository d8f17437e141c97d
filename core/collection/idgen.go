package collection

import "github.com/google/uuid"

// NewID invents an opaque unique identifier. Ids and revisions come
// from the same generator; only equality of the values matters.
func NewID() string {
	return uuid.NewString()
}
