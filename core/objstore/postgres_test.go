package objstore

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qvarnlabs/qvarn/core/csql"
)

// The durable backend tests need a real database. Set
// POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and optionally POSTGRES_PASSWORD to run them; without POSTGRES they
// are skipped.
func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("POSTGRES")
	if dsn == "" {
		t.Skip("POSTGRES not set")
	}
	db := csql.OpenWithSchema(dsn, os.Getenv("POSTGRES_PASSWORD"), "_objstore_unit_test_")
	db.ClearSchema()
	t.Cleanup(func() { db.Close() })

	s := NewPostgresStore(db)
	err := s.CreateStore(
		Key{Name: "obj_id", Type: KeyTypeString},
		Key{Name: "subpath", Type: KeyTypeString},
	)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPostgresRoundTrip(t *testing.T) {
	s := newPostgresTestStore(t)
	tx := begin(t, s)
	defer tx.Commit()

	keys := Keys{"obj_id": "id-1", "subpath": ""}
	body := Object{"type": "subject", "full_name": "James Bond", "age": 36.0}
	if err := s.CreateObject(tx, body, true, keys); err != nil {
		t.Fatal(err)
	}
	matches, err := s.GetMatches(tx, nil, nil, keys)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	assert.Equal(t, "James Bond", matches[0].Body["full_name"])
	assert.Equal(t, 36.0, matches[0].Body["age"])

	err = s.CreateObject(tx, body, true, keys)
	var collision KeyCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("expected KeyCollisionError, got %v", err)
	}
}

func TestPostgresConditionGrouping(t *testing.T) {
	s := newPostgresTestStore(t)
	tx := begin(t, s)
	defer tx.Commit()

	if err := s.CreateObject(tx, Object{"type": "subject"}, true, Keys{"obj_id": "id-1", "subpath": ""}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateObject(tx, Object{"nickname": "007"}, true, Keys{"obj_id": "id-1", "subpath": "private"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateObject(tx, Object{"type": "subject"}, true, Keys{"obj_id": "id-2", "subpath": ""}); err != nil {
		t.Fatal(err)
	}

	// a condition spanning base and sub-resource fields selects the
	// whole group of the matching object
	cond := All(ResourceTypeIs("subject"), Equal("nickname", "007"))
	matches, err := s.GetMatches(tx, cond, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected both rows of id-1, got %d", len(matches))
	}
	for _, match := range matches {
		assert.Equal(t, "id-1", match.Keys["obj_id"])
	}
}

func TestPostgresCaseInsensitiveSearch(t *testing.T) {
	s := newPostgresTestStore(t)
	tx := begin(t, s)
	defer tx.Commit()

	if err := s.CreateObject(tx, Object{"type": "subject", "full_name": "James Bond"}, true, Keys{"obj_id": "id-1", "subpath": ""}); err != nil {
		t.Fatal(err)
	}
	matches, err := s.GetMatches(tx, Equal("full_name", "JAMES BOND"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected a case-insensitive match, got %d", len(matches))
	}
}

func TestPostgresRollback(t *testing.T) {
	s := newPostgresTestStore(t)

	tx := begin(t, s)
	if err := s.CreateObject(tx, Object{"type": "subject"}, true, Keys{"obj_id": "id-1", "subpath": ""}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	tx = begin(t, s)
	defer tx.Commit()
	matches, err := s.GetMatches(tx, ResourceTypeIs("subject"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatal("rolled back insert must not be visible")
	}
}

func TestPostgresBlobs(t *testing.T) {
	s := newPostgresTestStore(t)
	tx := begin(t, s)
	defer tx.Commit()

	keys := Keys{"obj_id": "id-1", "subpath": "photo"}
	if err := s.CreateObject(tx, Object{"content_type": "image/jpeg"}, true, keys); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBlob(tx, []byte("jpeg"), keys); err != nil {
		t.Fatal(err)
	}
	payload, err := s.GetBlob(tx, keys)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte("jpeg"), payload)

	if err := s.RemoveObjects(tx, Keys{"obj_id": "id-1"}); err != nil {
		t.Fatal(err)
	}
	var noObject NoSuchObjectError
	if _, err := s.GetBlob(tx, keys); !errors.As(err, &noObject) {
		t.Fatalf("expected NoSuchObjectError, got %v", err)
	}
}

func TestPostgresAllowRules(t *testing.T) {
	s := newPostgresTestStore(t)
	tx := begin(t, s)
	defer tx.Commit()

	if err := s.CreateObject(tx, Object{"type": "subject"}, true, Keys{"obj_id": "id-1", "subpath": ""}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateObject(tx, Object{"type": "subject"}, true, Keys{"obj_id": "id-2", "subpath": ""}); err != nil {
		t.Fatal(err)
	}
	rule := AllowRule{Method: "GET", ClientID: Wildcard, UserID: Wildcard, Subpath: Wildcard, ResourceID: "id-2"}
	if err := s.AddAllowRule(tx, rule); err != nil {
		t.Fatal(err)
	}

	params := AccessParameters{Method: "GET", ClientID: "c", UserID: "u"}
	allow := AccessIsAllowed(params, []AllowRule{rule})
	matches, err := s.GetMatches(tx, ResourceTypeIs("subject"), allow, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Keys["obj_id"] != "id-2" {
		t.Fatalf("allow filter failed: %v", matches)
	}

	present, err := s.HasAllowRule(tx, rule)
	if err != nil {
		t.Fatal(err)
	}
	assert.True(t, present)
	if err := s.RemoveAllowRule(tx, rule); err != nil {
		t.Fatal(err)
	}
	present, err = s.HasAllowRule(tx, rule)
	if err != nil {
		t.Fatal(err)
	}
	assert.False(t, present)
}
