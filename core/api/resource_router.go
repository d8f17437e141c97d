package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/qvarnlabs/qvarn/core"
	"github.com/qvarnlabs/qvarn/core/collection"
	"github.com/qvarnlabs/qvarn/core/objstore"
)

// handleCollectionRoutes installs create, list, read, update and delete
// for one collection. Read-only collections (the resource types) get
// the GET routes only.
func (b *Backend) handleCollectionRoutes(router *mux.Router, coll *collection.Collection, readOnly bool) {
	path := coll.Type().Path()
	router.HandleFunc(path, b.listResources(coll)).Methods(http.MethodGet)
	router.HandleFunc(path+"/{id}", b.getResource(coll)).Methods(http.MethodGet)
	if readOnly {
		return
	}
	router.HandleFunc(path, b.postResource(coll)).Methods(http.MethodPost)
	router.HandleFunc(path+"/{id}", b.putResource(coll)).Methods(http.MethodPut)
	router.HandleFunc(path+"/{id}", b.deleteResource(coll)).Methods(http.MethodDelete)
}

// handleSearchRoute installs the search route. It must be installed
// before the id route so "search" is not taken for an id.
func (b *Backend) handleSearchRoute(router *mux.Router, coll *collection.Collection) {
	path := coll.Type().Path()
	router.HandleFunc(path+"/search/{criteria:.*}", b.searchResources(coll)).Methods(http.MethodGet)
}

func (b *Backend) postResource(coll *collection.Collection) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		obj, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			var created objstore.Object
			var err error
			if canSetMetaFields(r) {
				created, err = coll.PostWithID(tx, obj)
			} else {
				created, err = coll.Post(tx, obj)
			}
			if err != nil {
				return err
			}
			id := created["id"].(string)
			revision := created["revision"].(string)
			if err := b.notify(tx, rt, id, revision, core.ChangeCreated); err != nil {
				return err
			}
			writeCreated(w, b.location(rt.Path(), id), created)
			return nil
		})
	}
}

func (b *Backend) getResource(coll *collection.Collection) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), "")
			if err != nil {
				return err
			}
			obj, err := coll.Get(tx, id, allow)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, obj)
			return nil
		})
	}
}

func (b *Backend) putResource(coll *collection.Collection) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		obj, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if bodyId, present := obj["id"]; present {
			if bodyId != id {
				writeError(w, r, IdMismatchError{BodyId: objstore.ValueText(bodyId), PathId: id})
				return
			}
		} else {
			obj["id"] = id
		}
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), "")
			if err != nil {
				return err
			}
			updated, err := coll.Put(tx, obj, allow)
			if err != nil {
				return err
			}
			revision := updated["revision"].(string)
			if err := b.notify(tx, rt, id, revision, core.ChangeUpdated); err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, updated)
			return nil
		})
	}
}

func (b *Backend) deleteResource(coll *collection.Collection) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), "")
			if err != nil {
				return err
			}
			if err := coll.Delete(tx, id, allow); err != nil {
				return err
			}
			if err := b.notify(tx, rt, id, "", core.ChangeDeleted); err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, objstore.Object{})
			return nil
		})
	}
}

func (b *Backend) listResources(coll *collection.Collection) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), "")
			if err != nil {
				return err
			}
			listing, err := coll.List(tx, allow)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, listing)
			return nil
		})
	}
}

func (b *Backend) searchResources(coll *collection.Collection) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		criteria := mux.Vars(r)["criteria"]
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), "")
			if err != nil {
				return err
			}
			results, err := coll.Search(tx, criteria, allow)
			if err != nil {
				return err
			}
			resources := make([]interface{}, 0, len(results))
			for _, result := range results {
				resources = append(resources, result)
			}
			writeJSON(w, http.StatusOK, objstore.Object{"resources": resources})
			return nil
		})
	}
}
