package blobstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newLocal(t *testing.T) *LocalFilesystem {
	t.Helper()
	driver, err := NewLocalFilesystem(LocalConfiguration{BasePath: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	return driver
}

func TestLocalFilesystemNeedsBasePath(t *testing.T) {
	_, err := NewLocalFilesystem(LocalConfiguration{})
	if err == nil {
		t.Fatal("empty base path must be rejected")
	}
}

func TestLocalFilesystemPutGetDelete(t *testing.T) {
	driver := newLocal(t)
	ctx := context.Background()

	if err := driver.Put(ctx, "id-1/photo", []byte("jpeg")); err != nil {
		t.Fatal(err)
	}
	payload, err := driver.Get(ctx, "id-1/photo")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte("jpeg"), payload)

	// overwrite
	if err := driver.Put(ctx, "id-1/photo", []byte("png")); err != nil {
		t.Fatal(err)
	}
	payload, err = driver.Get(ctx, "id-1/photo")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []byte("png"), payload)

	if err := driver.Delete(ctx, "id-1/photo"); err != nil {
		t.Fatal(err)
	}
	if _, err := driver.Get(ctx, "id-1/photo"); !os.IsNotExist(err) {
		t.Fatalf("expected a not-exist error, got %v", err)
	}

	// deleting a missing key is fine
	if err := driver.Delete(ctx, "id-1/photo"); err != nil {
		t.Fatal(err)
	}
}

func TestLocalFilesystemDeleteAllWithPrefix(t *testing.T) {
	driver := newLocal(t)
	ctx := context.Background()

	for _, key := range []string{"id-1/photo", "id-1/scan", "id-2/photo"} {
		if err := driver.Put(ctx, key, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := driver.DeleteAllWithPrefix(ctx, "id-1/"); err != nil {
		t.Fatal(err)
	}
	if _, err := driver.Get(ctx, "id-1/photo"); err == nil {
		t.Fatal("id-1 blobs must be gone")
	}
	if _, err := driver.Get(ctx, "id-1/scan"); err == nil {
		t.Fatal("id-1 blobs must be gone")
	}
	if _, err := driver.Get(ctx, "id-2/photo"); err != nil {
		t.Fatal("id-2 blobs must survive")
	}
}

func TestLocalFilesystemRejectsTraversal(t *testing.T) {
	driver := newLocal(t)
	ctx := context.Background()

	if err := driver.Put(ctx, "../escape", []byte("x")); err == nil {
		t.Fatal("keys escaping the base path must be rejected")
	}
	if _, err := driver.Get(ctx, "a/../../escape"); err == nil {
		t.Fatal("keys escaping the base path must be rejected")
	}
}
