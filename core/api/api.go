/*Package api materializes the HTTP surface of the service: one route
set per resource type, the listener and notification routes below each
collection, the allow-rule routes and the version route.

Resource types are themselves stored resources. The self-describing
resource_type entry is inserted first at startup, then the built-in
listener and notification types, then every user-declared type from the
specification directory. Routes for all known types are installed at
startup; a request for an unknown path falls through to a dispatcher
that looks the type up in the store and installs its routes on first
use.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/qvarnlabs/qvarn/core"
	"github.com/qvarnlabs/qvarn/core/access"
	"github.com/qvarnlabs/qvarn/core/collection"
	"github.com/qvarnlabs/qvarn/core/logger"
	"github.com/qvarnlabs/qvarn/core/objstore"
	"github.com/qvarnlabs/qvarn/core/resourcetype"
)

// Builder is a builder helper for the Backend.
type Builder struct {
	// Store is the object store. This is mandatory.
	Store objstore.Store
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// BaseURL is the absolute URL prefix used in Location headers.
	BaseURL string
	// Notifier receives a copy of every stored notification. Optional.
	Notifier core.Notifier
	// ResourceTypeDir is a directory of resource-type specifications
	// loaded at startup. Optional.
	ResourceTypeDir string
	// EnableFineGrainedAccessControl switches allow-rule filtering on.
	EnableFineGrainedAccessControl bool
}

// Backend serves the declared resource types over HTTP.
//
// The resource routes live on an internal router held behind an atomic
// pointer. Installing a new type's routes builds a fresh router and
// swaps it in whole, so requests never observe a router being mutated.
type Backend struct {
	store    objstore.Store
	baseURL  string
	notifier core.Notifier

	mu     sync.Mutex
	byPath map[string]*resourcetype.ResourceType
	live   atomic.Pointer[mux.Router]

	listenerType     *resourcetype.ResourceType
	notificationType *resourcetype.ResourceType
}

// New realizes the backend: it creates the store tables if needed,
// bootstraps the built-in resource types, loads the declared ones and
// installs all routes on the router.
func New(bb *Builder) (*Backend, error) {
	if bb.Store == nil {
		return nil, fmt.Errorf("store is missing")
	}
	if bb.Router == nil {
		return nil, fmt.Errorf("router is missing")
	}
	b := &Backend{
		store:            bb.Store,
		baseURL:          strings.TrimSuffix(bb.BaseURL, "/"),
		notifier:         bb.Notifier,
		byPath:           map[string]*resourcetype.ResourceType{},
		listenerType:     listenerType(),
		notificationType: notificationType(),
	}
	access.EnableFineGrainedControl(bb.EnableFineGrainedAccessControl)

	err := b.store.CreateStore(
		objstore.Key{Name: "obj_id", Type: objstore.KeyTypeString},
		objstore.Key{Name: "subpath", Type: objstore.KeyTypeString},
	)
	if err != nil {
		return nil, err
	}

	types := []*resourcetype.ResourceType{
		resourceTypeType(), b.listenerType, b.notificationType,
	}
	if bb.ResourceTypeDir != "" {
		declared, err := resourcetype.LoadSpecsDir(bb.ResourceTypeDir)
		if err != nil {
			return nil, err
		}
		types = append(types, declared...)
	}
	if err := b.storeResourceTypes(types); err != nil {
		return nil, err
	}

	b.mu.Lock()
	for _, rt := range types {
		if _, done := b.byPath[rt.Path()]; done {
			continue
		}
		b.byPath[rt.Path()] = rt
		logger.Default().Infoln("routes installed for", rt.Path())
	}
	b.rebuild()
	b.mu.Unlock()

	bb.Router.PathPrefix("/").HandlerFunc(b.dispatch)
	return b, nil
}

// dispatch serves one request through the current route table.
func (b *Backend) dispatch(w http.ResponseWriter, r *http.Request) {
	b.live.Load().ServeHTTP(w, r)
}

// MustNew is New, panicking on error.
func MustNew(bb *Builder) *Backend {
	b, err := New(bb)
	if err != nil {
		panic(err)
	}
	return b
}

// storeResourceTypes records each type as a resource_type object. An
// already stored type is left untouched so redeploys keep ids stable.
func (b *Backend) storeResourceTypes(types []*resourcetype.ResourceType) error {
	return objstore.WithTransaction(context.Background(), b.store, func(tx objstore.Transaction) error {
		for _, rt := range types {
			keys := objstore.Keys{"obj_id": rt.Type(), "subpath": ""}
			existing, err := b.store.GetMatches(tx, nil, nil, keys)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				if err := b.store.RemoveObjects(tx, keys); err != nil {
					return err
				}
			}
			obj := objstore.Object{
				"id":       rt.Type(),
				"type":     "resource_type",
				"revision": collection.NewID(),
				"path":     rt.Path(),
				"spec":     map[string]interface{}(rt.AsSpec()),
			}
			if err := b.store.CreateObject(tx, obj, true, keys); err != nil {
				return err
			}
		}
		return nil
	})
}

// installRoutes registers one more resource type and swaps in a route
// table that includes it.
func (b *Backend) installRoutes(rt *resourcetype.ResourceType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.byPath[rt.Path()]; done {
		return
	}
	b.byPath[rt.Path()] = rt
	b.rebuild()
	logger.Default().Infoln("routes installed for", rt.Path())
}

// rebuild assembles a fresh router for every known type and swaps it
// in. Callers must hold b.mu. Requests already matched on the previous
// router finish there.
func (b *Backend) rebuild() {
	router := mux.NewRouter()
	b.handleVersionRoute(router)
	b.handleAllowRoutes(router)
	for _, rt := range b.byPath {
		b.installTypeRoutes(router, rt)
	}
	router.NotFoundHandler = http.HandlerFunc(b.findMissingRoute)
	b.live.Store(router)
}

// readOnlyTypes are served without write routes: resource types are
// declared at startup, listeners are managed below each collection and
// notifications are written by the system on resource change only.
var readOnlyTypes = map[string]bool{
	"resource_type": true,
	"listener":      true,
	"notification":  true,
}

// installTypeRoutes adds the standard route set for one resource type.
// Specific paths go first so mux does not capture them as ids.
func (b *Backend) installTypeRoutes(router *mux.Router, rt *resourcetype.ResourceType) {
	coll := collection.New(b.store, rt)
	readOnly := readOnlyTypes[rt.Type()]

	b.handleSearchRoute(router, coll)
	if !readOnly {
		b.handleNotificationRoutes(router, coll)
	}
	b.handleCollectionRoutes(router, coll, readOnly)
	if !readOnly {
		for subpath := range rt.Subpaths() {
			if rt.HasFile(subpath) {
				b.handleFileRoutes(router, coll, subpath)
			} else {
				b.handleSubresourceRoutes(router, coll, subpath)
			}
		}
	}
}

// findMissingRoute serves a path no installed route matches. When the
// store knows a resource type for the path prefix, its routes are
// installed and the request is retried once.
func (b *Backend) findMissingRoute(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	path := "/" + strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)[0]

	b.mu.Lock()
	_, known := b.byPath[path]
	b.mu.Unlock()
	if known {
		// installed but not matched, so the path is genuinely wrong
		http.Error(w, "no such route", http.StatusNotFound)
		return
	}

	rt, err := b.lookupResourceType(path)
	if err != nil {
		rlog.Infoln("no route for", r.URL.Path)
		writeError(w, r, err)
		return
	}
	b.installRoutes(rt)
	b.live.Load().ServeHTTP(w, r)
}

func (b *Backend) lookupResourceType(path string) (*resourcetype.ResourceType, error) {
	var rt *resourcetype.ResourceType
	err := objstore.WithTransaction(context.Background(), b.store, func(tx objstore.Transaction) error {
		cond := objstore.All(
			objstore.ResourceTypeIs("resource_type"),
			objstore.Equal("path", path),
		)
		matches, err := b.store.GetMatches(tx, cond, nil, objstore.Keys{"subpath": ""})
		if err != nil {
			return err
		}
		var specs []objstore.Object
		for _, match := range matches {
			if spec, ok := match.Body["spec"].(map[string]interface{}); ok {
				if specPath, _ := spec["path"].(string); specPath == path {
					specs = append(specs, objstore.Object(spec))
				}
			}
		}
		if len(specs) == 0 {
			return NoSuchResourceTypeError{Path: path}
		}
		if len(specs) > 1 {
			return TooManyResourceTypesError{Path: path}
		}
		rt, err = resourcetype.FromSpec(specs[0])
		return err
	})
	return rt, err
}

// withTransaction runs fn inside one store transaction and writes the
// translated error on failure. The transaction commits only when fn
// returns nil.
func (b *Backend) withTransaction(w http.ResponseWriter, r *http.Request, fn func(tx objstore.Transaction) error) {
	err := objstore.WithTransaction(r.Context(), b.store, fn)
	if err != nil {
		writeError(w, r, err)
	}
}

// allowFor builds the access filter of one request.
func (b *Backend) allowFor(tx objstore.Transaction, r *http.Request, resourceType, subpath string) (objstore.Condition, error) {
	claims := access.ClaimsFromContext(r.Context())
	params := access.Params(r.Method, resourceType, subpath, claims)
	return access.AllowCondition(tx, b.store, params)
}

func canSetMetaFields(r *http.Request) bool {
	return access.ClaimsFromContext(r.Context()).CanSetMetaFields()
}

// notify records one change for every matching listener, inside the
// same transaction as the change itself, and forwards a copy to the
// external notifier once the work is done.
func (b *Backend) notify(tx objstore.Transaction, rt *resourcetype.ResourceType, id, revision string, change core.Change) error {
	cond := objstore.ResourceTypeIs("listener")
	matches, err := b.store.GetMatches(tx, cond, nil, objstore.Keys{"subpath": ""})
	if err != nil {
		return err
	}
	notifications := collection.New(b.store, b.notificationType)
	for _, match := range matches {
		if !listenerMatches(match.Body, rt.Type(), id, change) {
			continue
		}
		notification := objstore.Object{
			"type":              "notification",
			"listener_id":       match.Body["id"],
			"resource_id":       id,
			"resource_revision": revision,
			"resource_change":   string(change),
			"timestamp":         time.Now().UTC().Format(time.RFC3339Nano),
		}
		stored, err := notifications.Post(tx, notification)
		if err != nil {
			return err
		}
		if b.notifier != nil {
			if payload, err := json.Marshal(stored); err == nil {
				b.notifier.Notify(rt.Type(), change, payload)
			}
		}
	}
	return nil
}

// listenerMatches decides whether a listener wants to hear about a
// change: new resources when notify_of_new is set, any other change
// when listen_on_all is set, or the resource id being listed in
// listen_on. The listener must be bound to the changed resource's type.
func listenerMatches(listener objstore.Object, resourceType, id string, change core.Change) bool {
	if listenOnType, ok := listener["listen_on_type"].(string); ok && listenOnType != resourceType {
		return false
	}
	if change == core.ChangeCreated {
		if wants, _ := listener["notify_of_new"].(bool); wants {
			return true
		}
	} else {
		if wants, _ := listener["listen_on_all"].(bool); wants {
			return true
		}
	}
	if listenOn, ok := listener["listen_on"].([]interface{}); ok {
		for _, listed := range listenOn {
			if listed == id {
				return true
			}
		}
	}
	return false
}

func (b *Backend) location(path string, segments ...string) string {
	return b.baseURL + path + "/" + strings.Join(segments, "/")
}
