package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/qvarnlabs/qvarn/core/access"
	"github.com/qvarnlabs/qvarn/core/objstore"
)

const subjectSpec = `
type: subject
path: /subjects
versions:
- version: v1
  prototype:
    type: ""
    id: ""
    revision: ""
    full_name: ""
    age: 0
    tags: [""]
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

func specDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "subject.yaml"), []byte(subjectSpec), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestBackend(t *testing.T, fineGrained bool) (*mux.Router, objstore.Store) {
	t.Helper()
	store := objstore.NewMemoryStore()
	router := mux.NewRouter()
	_, err := New(&Builder{
		Store:                          store,
		Router:                         router,
		BaseURL:                        "https://qvarn.example",
		ResourceTypeDir:                specDir(t),
		EnableFineGrainedAccessControl: fineGrained,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { access.EnableFineGrainedControl(false) })
	return router, store
}

// serve runs one request through the router with the given claims.
func serve(t *testing.T, router *mux.Router, claims *access.Claims, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if payload, ok := body.([]byte); ok {
		reader = bytes.NewReader(payload)
	} else if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, target, reader)
	if _, isJSON := body.(objstore.Object); isJSON {
		r.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		r.Header.Set(name, value)
	}
	if claims != nil {
		r = r.WithContext(access.ContextWithClaims(context.Background(), claims))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) objstore.Object {
	t.Helper()
	var obj objstore.Object
	if err := json.Unmarshal(w.Body.Bytes(), &obj); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, w.Body.String())
	}
	return obj
}

func resourceIds(t *testing.T, w *httptest.ResponseRecorder) []string {
	t.Helper()
	listing := decode(t, w)
	resources, ok := listing["resources"].([]interface{})
	if !ok {
		t.Fatalf("no resources list in %v", listing)
	}
	var ids []string
	for _, entry := range resources {
		id, _ := entry.(map[string]interface{})["id"].(string)
		ids = append(ids, id)
	}
	return ids
}

func postSubject(t *testing.T, router *mux.Router, body objstore.Object) objstore.Object {
	t.Helper()
	w := serve(t, router, nil, http.MethodPost, "/subjects", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST failed with %d: %s", w.Code, w.Body.String())
	}
	return decode(t, w)
}

func TestVersionRoute(t *testing.T) {
	router, _ := newTestBackend(t, false)

	w := serve(t, router, nil, http.MethodGet, "/version", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	api := body["api"].(map[string]interface{})
	implementation := body["implementation"].(map[string]interface{})
	assert.Equal(t, Version, api["version"])
	assert.Equal(t, apiName, implementation["name"])
}

func TestPostAndGetResource(t *testing.T) {
	router, _ := newTestBackend(t, false)

	w := serve(t, router, nil, http.MethodPost, "/subjects",
		objstore.Object{"type": "subject", "full_name": "James Bond"}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	id, _ := created["id"].(string)
	revision, _ := created["revision"].(string)
	if id == "" || revision == "" {
		t.Fatalf("created resource must carry id and revision: %v", created)
	}
	assert.Equal(t, "https://qvarn.example/subjects/"+id, w.Header().Get("Location"))

	w = serve(t, router, nil, http.MethodGet, "/subjects/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	fetched := decode(t, w)
	assert.Equal(t, created, fetched)
}

func TestPostRejectsNonJson(t *testing.T) {
	router, _ := newTestBackend(t, false)

	w := serve(t, router, nil, http.MethodPost, "/subjects", []byte("full_name=James"),
		map[string]string{"Content-Type": "text/plain"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostRejectsClientMetaFields(t *testing.T) {
	router, _ := newTestBackend(t, false)

	w := serve(t, router, nil, http.MethodPost, "/subjects",
		objstore.Object{"type": "subject", "id": "my-own-id"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostWithSetMetaFields(t *testing.T) {
	router, _ := newTestBackend(t, false)
	claims := &access.Claims{Subject: "importer", Scopes: []string{access.ScopeSetMetaFields}}

	w := serve(t, router, claims, http.MethodPost, "/subjects",
		objstore.Object{"type": "subject", "id": "fixed-id", "revision": "fixed-rev"}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	created := decode(t, w)
	assert.Equal(t, "fixed-id", created["id"])
	assert.Equal(t, "fixed-rev", created["revision"])
}

func TestPutResource(t *testing.T) {
	router, _ := newTestBackend(t, false)
	created := postSubject(t, router, objstore.Object{"type": "subject", "full_name": "James"})
	id := created["id"].(string)
	revision := created["revision"].(string)

	created["full_name"] = "James Bond"
	w := serve(t, router, nil, http.MethodPut, "/subjects/"+id, created, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	updated := decode(t, w)
	assert.Equal(t, "James Bond", updated["full_name"])
	assert.NotEqual(t, revision, updated["revision"])

	// replaying the stale revision must conflict
	w = serve(t, router, nil, http.MethodPut, "/subjects/"+id, created, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPutIdMismatch(t *testing.T) {
	router, _ := newTestBackend(t, false)
	created := postSubject(t, router, objstore.Object{"type": "subject"})
	id := created["id"].(string)

	created["id"] = "some-other-id"
	w := serve(t, router, nil, http.MethodPut, "/subjects/"+id, created, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// a body without an id inherits the path id
	delete(created, "id")
	w = serve(t, router, nil, http.MethodPut, "/subjects/"+id, created, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteResource(t *testing.T) {
	router, _ := newTestBackend(t, false)
	created := postSubject(t, router, objstore.Object{"type": "subject"})
	id := created["id"].(string)

	w := serve(t, router, nil, http.MethodDelete, "/subjects/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, objstore.Object{}, decode(t, w))

	w = serve(t, router, nil, http.MethodGet, "/subjects/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListResources(t *testing.T) {
	router, _ := newTestBackend(t, false)
	first := postSubject(t, router, objstore.Object{"type": "subject"})
	second := postSubject(t, router, objstore.Object{"type": "subject"})

	w := serve(t, router, nil, http.MethodGet, "/subjects", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	ids := resourceIds(t, w)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, first["id"])
	assert.Contains(t, ids, second["id"])
}

func TestSearchResources(t *testing.T) {
	router, _ := newTestBackend(t, false)
	created := postSubject(t, router, objstore.Object{"type": "subject", "full_name": "James Bond"})
	postSubject(t, router, objstore.Object{"type": "subject", "full_name": "Ernst Blofeld"})

	w := serve(t, router, nil, http.MethodGet, "/subjects/search/exact/full_name/james%20bond", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	ids := resourceIds(t, w)
	assert.Equal(t, []string{created["id"].(string)}, ids)
}

func TestSearchSortShowOffsetLimit(t *testing.T) {
	router, _ := newTestBackend(t, false)
	ids := map[string]string{}
	for _, name := range []string{"Charlie", "Alice", "Bob"} {
		created := postSubject(t, router, objstore.Object{"type": "subject", "full_name": name, "age": 30.0})
		ids[name] = created["id"].(string)
	}

	w := serve(t, router, nil, http.MethodGet,
		"/subjects/search/exact/age/30/sort/full_name/offset/1/limit/1/show/full_name", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	listing := decode(t, w)
	resources := listing["resources"].([]interface{})
	if len(resources) != 1 {
		t.Fatalf("expected exactly one result, got %v", resources)
	}
	result := resources[0].(map[string]interface{})
	assert.Equal(t, ids["Bob"], result["id"])
	assert.Equal(t, "Bob", result["full_name"])
}

func TestSearchErrorBodies(t *testing.T) {
	router, _ := newTestBackend(t, false)

	w := serve(t, router, nil, http.MethodGet, "/subjects/search/exact/shoe_size/44", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "FieldNotInResource", body["error_code"])
	assert.Equal(t, "shoe_size", body["field"])

	w = serve(t, router, nil, http.MethodGet, "/subjects/search/exact/full_name/x/limit/5", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body = decode(t, w)
	assert.Equal(t, "LimitWithoutSortError", body["error_code"])

	w = serve(t, router, nil, http.MethodGet, "/subjects/search/fuzzy/full_name/x", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body = decode(t, w)
	assert.Equal(t, "BadSearchCondition", body["error_code"])
}

func TestSubresourceRoutes(t *testing.T) {
	router, _ := newTestBackend(t, false)
	created := postSubject(t, router, objstore.Object{"type": "subject"})
	id := created["id"].(string)
	revision := created["revision"].(string)

	w := serve(t, router, nil, http.MethodGet, "/subjects/"+id+"/private", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, objstore.Object{"nickname": ""}, decode(t, w))

	w = serve(t, router, nil, http.MethodPut, "/subjects/"+id+"/private",
		objstore.Object{"nickname": "007", "revision": revision}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	updated := decode(t, w)
	assert.Equal(t, "007", updated["nickname"])
	newRevision, _ := updated["revision"].(string)
	assert.NotEqual(t, revision, newRevision, "the base revision is bumped")

	// the write is visible and the base carries the new revision
	w = serve(t, router, nil, http.MethodGet, "/subjects/"+id+"/private", nil, nil)
	assert.Equal(t, "007", decode(t, w)["nickname"])
	w = serve(t, router, nil, http.MethodGet, "/subjects/"+id, nil, nil)
	assert.Equal(t, newRevision, decode(t, w)["revision"])

	// the stale revision no longer writes
	w = serve(t, router, nil, http.MethodPut, "/subjects/"+id+"/private",
		objstore.Object{"nickname": "008", "revision": revision}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestFileRoutes(t *testing.T) {
	router, _ := newTestBackend(t, false)
	created := postSubject(t, router, objstore.Object{"type": "subject"})
	id := created["id"].(string)
	revision := created["revision"].(string)

	w := serve(t, router, nil, http.MethodPut, "/subjects/"+id+"/photo", []byte("jpeg-bytes"),
		map[string]string{"Revision": "stale", "Content-Type": "image/jpeg"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(t, router, nil, http.MethodPut, "/subjects/"+id+"/photo", []byte("jpeg-bytes"),
		map[string]string{"Revision": revision, "Content-Type": "image/jpeg"})
	assert.Equal(t, http.StatusOK, w.Code)
	newRevision := w.Header().Get("Revision")
	assert.NotEqual(t, revision, newRevision)

	w = serve(t, router, nil, http.MethodGet, "/subjects/"+id+"/photo", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg-bytes", w.Body.String())
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, newRevision, w.Header().Get("Revision"))
}

func TestFileWriteWithSetMetaFields(t *testing.T) {
	router, _ := newTestBackend(t, false)
	created := postSubject(t, router, objstore.Object{"type": "subject"})
	id := created["id"].(string)
	revision := created["revision"].(string)
	claims := &access.Claims{Subject: "importer", Scopes: []string{access.ScopeSetMetaFields}}

	// no Revision header, and the base revision stays put
	w := serve(t, router, claims, http.MethodPut, "/subjects/"+id+"/photo", []byte("jpeg-bytes"),
		map[string]string{"Content-Type": "image/jpeg"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, revision, w.Header().Get("Revision"))

	w = serve(t, router, nil, http.MethodGet, "/subjects/"+id, nil, nil)
	assert.Equal(t, revision, decode(t, w)["revision"])
}

func TestListenerNotifications(t *testing.T) {
	router, _ := newTestBackend(t, false)

	w := serve(t, router, nil, http.MethodPost, "/subjects/listeners",
		objstore.Object{"notify_of_new": true}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	listener := decode(t, w)
	listenerId := listener["id"].(string)
	assert.Equal(t, "subject", listener["listen_on_type"])

	w = serve(t, router, nil, http.MethodGet, "/subjects/listeners", nil, nil)
	assert.Equal(t, []string{listenerId}, resourceIds(t, w))

	first := postSubject(t, router, objstore.Object{"type": "subject"})
	second := postSubject(t, router, objstore.Object{"type": "subject"})

	w = serve(t, router, nil, http.MethodGet, "/subjects/listeners/"+listenerId+"/notifications", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	ids := resourceIds(t, w)
	if len(ids) != 2 {
		t.Fatalf("expected two notifications, got %v", ids)
	}

	// oldest first: the first notification names the first resource
	w = serve(t, router, nil, http.MethodGet,
		"/subjects/listeners/"+listenerId+"/notifications/"+ids[0], nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	notification := decode(t, w)
	assert.Equal(t, listenerId, notification["listener_id"])
	assert.Equal(t, first["id"], notification["resource_id"])
	assert.Equal(t, first["revision"], notification["resource_revision"])
	assert.Equal(t, "created", notification["resource_change"])
	assert.NotEmpty(t, notification["timestamp"])

	w = serve(t, router, nil, http.MethodGet,
		"/subjects/listeners/"+listenerId+"/notifications/"+ids[1], nil, nil)
	assert.Equal(t, second["id"], decode(t, w)["resource_id"])

	// a consumed notification is deleted
	w = serve(t, router, nil, http.MethodDelete,
		"/subjects/listeners/"+listenerId+"/notifications/"+ids[0], nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(t, router, nil, http.MethodGet, "/subjects/listeners/"+listenerId+"/notifications", nil, nil)
	assert.Equal(t, []string{ids[1]}, resourceIds(t, w))

	// deleting the listener cascades to the remaining notifications
	w = serve(t, router, nil, http.MethodDelete, "/subjects/listeners/"+listenerId, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(t, router, nil, http.MethodGet, "/subjects/listeners/"+listenerId, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = serve(t, router, nil, http.MethodGet,
		"/subjects/listeners/"+listenerId+"/notifications/"+ids[1], nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListenerOnListedResourcesOnly(t *testing.T) {
	router, _ := newTestBackend(t, false)
	watched := postSubject(t, router, objstore.Object{"type": "subject"})
	ignored := postSubject(t, router, objstore.Object{"type": "subject"})
	watchedId := watched["id"].(string)

	w := serve(t, router, nil, http.MethodPost, "/subjects/listeners",
		objstore.Object{"listen_on": []interface{}{watchedId}}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	listenerId := decode(t, w)["id"].(string)

	for _, obj := range []objstore.Object{watched, ignored} {
		obj["full_name"] = "changed"
		w = serve(t, router, nil, http.MethodPut, "/subjects/"+obj["id"].(string), obj, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w = serve(t, router, nil, http.MethodGet, "/subjects/listeners/"+listenerId+"/notifications", nil, nil)
	ids := resourceIds(t, w)
	if len(ids) != 1 {
		t.Fatalf("expected one notification, got %v", ids)
	}
	w = serve(t, router, nil, http.MethodGet,
		"/subjects/listeners/"+listenerId+"/notifications/"+ids[0], nil, nil)
	notification := decode(t, w)
	assert.Equal(t, watchedId, notification["resource_id"])
	assert.Equal(t, "updated", notification["resource_change"])
}

func TestListenerRejectsForeignType(t *testing.T) {
	router, _ := newTestBackend(t, false)

	w := serve(t, router, nil, http.MethodPost, "/subjects/listeners",
		objstore.Object{"notify_of_new": true, "listen_on_type": "villain"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResourceTypesAreReadOnly(t *testing.T) {
	router, _ := newTestBackend(t, false)

	w := serve(t, router, nil, http.MethodGet, "/resource_types", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	ids := resourceIds(t, w)
	assert.Contains(t, ids, "subject")
	assert.Contains(t, ids, "resource_type")
	assert.Contains(t, ids, "listener")
	assert.Contains(t, ids, "notification")

	w = serve(t, router, nil, http.MethodGet, "/resource_types/subject", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "/subjects", body["path"])

	w = serve(t, router, nil, http.MethodPost, "/resource_types",
		objstore.Object{"type": "resource_type"}, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRoutesInstalledOnFirstUse(t *testing.T) {
	// the first backend declares the subject type and stores it
	_, store := newTestBackend(t, false)

	// a second backend over the same store knows nothing about subjects
	// until a request comes in
	router := mux.NewRouter()
	_, err := New(&Builder{Store: store, Router: router})
	if err != nil {
		t.Fatal(err)
	}

	w := serve(t, router, nil, http.MethodPost, "/subjects",
		objstore.Object{"type": "subject", "full_name": "James"}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = serve(t, router, nil, http.MethodGet, "/villains", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAllowRoutesNeedCapability(t *testing.T) {
	router, _ := newTestBackend(t, false)
	rule := objstore.Object{
		"method": "GET", "client_id": "c", "user_id": "u",
		"subpath": "", "resource_id": "*",
	}

	for _, method := range []string{http.MethodPost, http.MethodGet, http.MethodDelete} {
		w := serve(t, router, nil, method, "/allow", rule, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, method)
	}

	claims := &access.Claims{Subject: "admin", Scopes: []string{access.ScopeSetMetaFields}}
	w := serve(t, router, claims, http.MethodPost, "/allow", rule, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = serve(t, router, claims, http.MethodGet, "/allow", rule, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["allowed"])

	w = serve(t, router, claims, http.MethodDelete, "/allow", rule, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(t, router, claims, http.MethodGet, "/allow", rule, nil)
	assert.Equal(t, false, decode(t, w)["allowed"])
}

func TestFineGrainedAccessFiltersReads(t *testing.T) {
	router, _ := newTestBackend(t, true)
	created := postSubject(t, router, objstore.Object{"type": "subject", "full_name": "James"})
	id := created["id"].(string)
	claims := &access.Claims{Subject: "client-1"}
	admin := &access.Claims{Subject: "admin", Scopes: []string{access.ScopeSetMetaFields}}

	// no rule: the resource does not exist for the caller
	w := serve(t, router, claims, http.MethodGet, "/subjects/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = serve(t, router, claims, http.MethodGet, "/subjects", nil, nil)
	assert.Empty(t, resourceIds(t, w))
	w = serve(t, router, claims, http.MethodGet, "/subjects/search/exact/full_name/james", nil, nil)
	assert.Empty(t, resourceIds(t, w))

	rule := objstore.Object{
		"method": "GET", "client_id": "client-1", "user_id": "client-1",
		"subpath": "", "resource_id": id,
	}
	w = serve(t, router, admin, http.MethodPost, "/allow", rule, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = serve(t, router, claims, http.MethodGet, "/subjects/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(t, router, claims, http.MethodGet, "/subjects", nil, nil)
	assert.Equal(t, []string{id}, resourceIds(t, w))
	w = serve(t, router, claims, http.MethodGet, "/subjects/search/exact/full_name/james", nil, nil)
	assert.Equal(t, []string{id}, resourceIds(t, w))
}

func TestBuiltinCollectionsAreReadOnly(t *testing.T) {
	router, _ := newTestBackend(t, false)

	// notifications are written by the system on resource change only
	forged := objstore.Object{
		"type": "notification", "listener_id": "l-1",
		"resource_id": "r-1", "resource_change": "created",
	}
	w := serve(t, router, nil, http.MethodPost, "/notifications", forged, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = serve(t, router, nil, http.MethodPut, "/notifications/n-1", forged, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = serve(t, router, nil, http.MethodDelete, "/notifications/n-1", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	// listeners are managed below their collection
	w = serve(t, router, nil, http.MethodPost, "/listeners",
		objstore.Object{"type": "listener", "notify_of_new": true}, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	// reading stays possible
	w = serve(t, router, nil, http.MethodGet, "/notifications", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(t, router, nil, http.MethodGet, "/listeners", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConcurrentRequestsDuringRouteInstall(t *testing.T) {
	// the first backend declares the subject type and stores it
	_, store := newTestBackend(t, false)

	// the second backend installs the subject routes lazily while other
	// requests are in flight
	router := mux.NewRouter()
	if _, err := New(&Builder{Store: store, Router: router}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				target := "/version"
				if (i+j)%2 == 0 {
					target = "/subjects"
				}
				r := httptest.NewRequest(http.MethodGet, target, nil)
				w := httptest.NewRecorder()
				router.ServeHTTP(w, r)
			}
		}(i)
	}
	wg.Wait()

	w := serve(t, router, nil, http.MethodGet, "/subjects", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
