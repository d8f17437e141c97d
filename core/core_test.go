package core

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
)

func TestPropertyNameToCanonicalHeader(t *testing.T) {
	assert.Equal(t, "Content-Type", PropertyNameToCanonicalHeader("content_type"))
	assert.Equal(t, "Content-Type", PropertyNameToCanonicalHeader("CONTENT_TYPE"))
	assert.Equal(t, "Content-Length", PropertyNameToCanonicalHeader("content_length"))
	assert.Equal(t, "Expires", PropertyNameToCanonicalHeader("expires"))
}

func TestCanonicalHeaderToPropertyName(t *testing.T) {
	assert.Equal(t, "content_type", CanonicalHeaderToPropertyName("Content-Type"))
	assert.Equal(t, "content_type", CanonicalHeaderToPropertyName("content-type"))
}

func TestChangeUnmarshal(t *testing.T) {
	var change Change
	if err := json.Unmarshal([]byte(`"updated"`), &change); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, ChangeUpdated, change)

	if err := json.Unmarshal([]byte(`"exploded"`), &change); err == nil {
		t.Fatal("an unknown change kind must be rejected")
	}
}
