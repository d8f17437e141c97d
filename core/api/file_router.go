package api

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/qvarnlabs/qvarn/core"
	"github.com/qvarnlabs/qvarn/core/collection"
	"github.com/qvarnlabs/qvarn/core/objstore"
)

// headerRevision carries the base resource revision on file reads and
// writes, since the payload itself is opaque.
const headerRevision = "Revision"

// handleFileRoutes installs read and write for one file sub-path. The
// companion JSON sub-resource stores the payload's content type.
func (b *Backend) handleFileRoutes(router *mux.Router, coll *collection.Collection, subpath string) {
	path := coll.Type().Path() + "/{id}/" + subpath
	router.HandleFunc(path, b.getFile(coll, subpath)).Methods(http.MethodGet)
	router.HandleFunc(path, b.putFile(coll, subpath)).Methods(http.MethodPut)
}

func (b *Backend) getFile(coll *collection.Collection, subpath string) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), subpath)
			if err != nil {
				return err
			}
			base, err := coll.Get(tx, id, allow)
			if err != nil {
				return err
			}
			sub, err := coll.GetSubresource(tx, id, subpath, allow)
			if err != nil {
				return err
			}
			payload, err := b.store.GetBlob(tx, objstore.Keys{"obj_id": id, "subpath": subpath})
			if err != nil {
				return err
			}
			// the companion sub-resource's meta properties travel as
			// headers, content_type as Content-Type
			for name, value := range sub {
				if name == "id" || name == "revision" {
					continue
				}
				if text, ok := value.(string); ok && text != "" {
					w.Header().Set(core.PropertyNameToCanonicalHeader(name), text)
				}
			}
			w.Header().Set(headerRevision, objstore.ValueText(base["revision"]))
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
			return nil
		})
	}
}

// putFile stores the payload and records its content type in the
// companion sub-resource. Ordinary callers must present the current
// revision in the Revision header and get a fresh one back; callers
// with the set_meta_fields capability skip both the check and the bump.
func (b *Backend) putFile(coll *collection.Collection, subpath string) http.HandlerFunc {
	rt := coll.Type()
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		revision := r.Header.Get(headerRevision)
		contentType := r.Header.Get("Content-Type")
		setMeta := canSetMetaFields(r)
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			allow, err := b.allowFor(tx, r, rt.Type(), subpath)
			if err != nil {
				return err
			}
			base, err := coll.Get(tx, id, allow)
			if err != nil {
				return err
			}
			current := objstore.ValueText(base["revision"])
			if setMeta {
				// privileged writers manage revisions themselves
				revision = current
			} else if revision != current {
				return collection.WrongRevisionError{Have: revision, Want: current}
			}

			sub, err := coll.GetSubresource(tx, id, subpath, allow)
			if err != nil {
				return err
			}
			sub[core.CanonicalHeaderToPropertyName("Content-Type")] = contentType
			var updated objstore.Object
			if setMeta {
				updated, err = coll.PutSubresourceNoNewRevision(tx, sub, id, subpath, revision, allow)
			} else {
				updated, err = coll.PutSubresource(tx, sub, id, subpath, revision, allow)
			}
			if err != nil {
				return err
			}

			keys := objstore.Keys{"obj_id": id, "subpath": subpath}
			if err := b.store.RemoveBlob(tx, keys); err != nil {
				return err
			}
			if err := b.store.CreateBlob(tx, payload, keys); err != nil {
				return err
			}
			newRevision := updated["revision"].(string)
			if err := b.notify(tx, rt, id, newRevision, core.ChangeUpdated); err != nil {
				return err
			}
			w.Header().Set(headerRevision, newRevision)
			writeJSON(w, http.StatusOK, objstore.Object{})
			return nil
		})
	}
}
