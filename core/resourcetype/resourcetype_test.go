package resourcetype

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

const subjectYAML = `
type: subject
path: /subjects
versions:
- version: v0
  prototype:
    type: ""
    id: ""
    revision: ""
    full_name: ""
- version: v1
  prototype:
    type: ""
    id: ""
    revision: ""
    full_name: ""
    age: 0
  subpaths:
    private:
      prototype:
        nickname: ""
    photo:
      prototype:
        content_type: ""
  files:
  - photo
`

func writeSpec(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadSpecsDir(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "subject.yaml", subjectYAML)
	writeSpec(t, dir, "notes.txt", "not a spec")

	types, err := LoadSpecsDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(types) != 1 {
		t.Fatalf("expected one type, got %d", len(types))
	}
	rt := types[0]
	assert.Equal(t, "subject", rt.Type())
	assert.Equal(t, "/subjects", rt.Path())
	assert.Equal(t, []string{"v0", "v1"}, rt.AllVersions())
	assert.Equal(t, "v1", rt.LatestVersion())
	if _, ok := rt.LatestPrototype()["age"]; !ok {
		t.Fatal("latest prototype must be v1")
	}
	if _, ok := rt.Subpaths()["private"]; !ok {
		t.Fatal("subpaths of the latest version must be visible")
	}
	assert.True(t, rt.HasFile("photo"))
	assert.False(t, rt.HasFile("private"))
}

func TestLoadSpecsDirRejectsBrokenSpec(t *testing.T) {
	cases := map[string]string{
		"missing path": "type: thing\nversions:\n- version: v0\n  prototype:\n    a: \"\"\n",
		"no versions":  "type: thing\npath: /things\nversions: []\n",
		"bad version":  "type: thing\npath: /things\nversions:\n- prototype:\n    a: \"\"\n",
	}
	for name, content := range cases {
		dir := t.TempDir()
		writeSpec(t, dir, "thing.yaml", content)
		_, err := LoadSpecsDir(dir)
		var invalid InvalidSpecError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s: expected InvalidSpecError, got %v", name, err)
		}
	}
}

func TestSpecRoundTrip(t *testing.T) {
	rt := subjectType(t)
	again, err := FromSpec(rt.AsSpec())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, rt.Type(), again.Type())
	assert.Equal(t, rt.Path(), again.Path())
	if !reflect.DeepEqual(rt.LatestPrototype(), again.LatestPrototype()) {
		t.Fatal("prototype changed in round trip")
	}
	if !reflect.DeepEqual(rt.Subpaths(), again.Subpaths()) {
		t.Fatal("subpaths changed in round trip")
	}
}

func TestFileNeedsSubpathPrototype(t *testing.T) {
	dir := t.TempDir()
	writeSpec(t, dir, "thing.yaml", `
type: thing
path: /things
versions:
- version: v0
  prototype:
    a: ""
  files:
  - photo
`)
	_, err := LoadSpecsDir(dir)
	var invalid InvalidSpecError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidSpecError, got %v", err)
	}
}

func TestSearchableFields(t *testing.T) {
	rt := subjectType(t)
	fields := rt.SearchableFields()
	assert.True(t, fields["full_name"])
	assert.True(t, fields["nickname"], "sub-prototype fields are searchable")
	assert.False(t, fields["bogus"])
}
