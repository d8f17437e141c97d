package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/qvarnlabs/qvarn/core"
	"github.com/qvarnlabs/qvarn/core/collection"
	"github.com/qvarnlabs/qvarn/core/objstore"
)

// handleSubresourceRoutes installs read and write for one declared
// JSON sub-path.
func (b *Backend) handleSubresourceRoutes(router *mux.Router, coll *collection.Collection, subpath string) {
	path := coll.Type().Path() + "/{id}/" + subpath
	router.HandleFunc(path, b.getSubresource(coll, subpath)).Methods(http.MethodGet)
	router.HandleFunc(path, b.putSubresource(coll, subpath)).Methods(http.MethodPut)
}

func (b *Backend) getSubresource(coll *collection.Collection, subpath string) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), subpath)
			if err != nil {
				return err
			}
			sub, err := coll.GetSubresource(tx, id, subpath, allow)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, sub)
			return nil
		})
	}
}

// putSubresource replaces the sub-resource. The body carries the base
// resource's revision; a successful write bumps it and the response
// carries the new one.
func (b *Backend) putSubresource(coll *collection.Collection, subpath string) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		body, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		revision, _ := body["revision"].(string)
		delete(body, "revision")
		delete(body, "id")
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), subpath)
			if err != nil {
				return err
			}
			updated, err := coll.PutSubresource(tx, body, id, subpath, revision, allow)
			if err != nil {
				return err
			}
			newRevision := updated["revision"].(string)
			if err := b.notify(tx, rt, id, newRevision, core.ChangeUpdated); err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, updated)
			return nil
		})
	}
}
