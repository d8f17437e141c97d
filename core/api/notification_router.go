package api

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/qvarnlabs/qvarn/core/collection"
	"github.com/qvarnlabs/qvarn/core/objstore"
)

// handleNotificationRoutes installs the listener and notification
// routes below one collection. They are installed before the id route
// so "listeners" is not taken for an id.
func (b *Backend) handleNotificationRoutes(router *mux.Router, coll *collection.Collection) {
	listeners := collection.New(b.store, b.listenerType)
	path := coll.Type().Path() + "/listeners"
	router.HandleFunc(path, b.postListener(coll, listeners)).Methods(http.MethodPost)
	router.HandleFunc(path, b.listListeners(coll, listeners)).Methods(http.MethodGet)
	router.HandleFunc(path+"/{listener_id}", b.getListener(listeners)).Methods(http.MethodGet)
	router.HandleFunc(path+"/{listener_id}", b.putListener(coll, listeners)).Methods(http.MethodPut)
	router.HandleFunc(path+"/{listener_id}", b.deleteListener(listeners)).Methods(http.MethodDelete)
	router.HandleFunc(path+"/{listener_id}/notifications", b.listNotifications()).Methods(http.MethodGet)
	router.HandleFunc(path+"/{listener_id}/notifications/{notification_id}", b.getNotification()).Methods(http.MethodGet)
	router.HandleFunc(path+"/{listener_id}/notifications/{notification_id}", b.deleteNotification()).Methods(http.MethodDelete)
}

// postListener creates a listener bound to the parent collection's
// type. A listen_on_type naming any other type is rejected.
func (b *Backend) postListener(coll *collection.Collection, listeners *collection.Collection) http.HandlerFunc {
	resourceType := coll.Type().Type()
	return func(w http.ResponseWriter, r *http.Request) {
		obj, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if _, present := obj["type"]; !present {
			obj["type"] = "listener"
		}
		if listenOnType, present := obj["listen_on_type"]; present && listenOnType != resourceType {
			writeError(w, r, BadListenerError{Want: resourceType})
			return
		}
		obj["listen_on_type"] = resourceType
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			var created objstore.Object
			var err error
			if canSetMetaFields(r) {
				created, err = listeners.PostWithID(tx, obj)
			} else {
				created, err = listeners.Post(tx, obj)
			}
			if err != nil {
				return err
			}
			id := created["id"].(string)
			writeCreated(w, b.location(coll.Type().Path(), "listeners", id), created)
			return nil
		})
	}
}

// listListeners returns the ids of the listeners bound to the parent
// collection's type.
func (b *Backend) listListeners(coll *collection.Collection, listeners *collection.Collection) http.HandlerFunc {
	resourceType := coll.Type().Type()
	return func(w http.ResponseWriter, r *http.Request) {
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			cond := objstore.All(
				objstore.ResourceTypeIs("listener"),
				objstore.Equal("listen_on_type", resourceType),
			)
			matches, err := b.store.GetMatches(tx, cond, nil, objstore.Keys{"subpath": ""})
			if err != nil {
				return err
			}
			resources := make([]interface{}, 0, len(matches))
			for _, match := range matches {
				resources = append(resources, objstore.Object{"id": match.Keys["obj_id"]})
			}
			writeJSON(w, http.StatusOK, objstore.Object{"resources": resources})
			return nil
		})
	}
}

func (b *Backend) getListener(listeners *collection.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		listenerId := mux.Vars(r)["listener_id"]
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			obj, err := listeners.Get(tx, listenerId, nil)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, obj)
			return nil
		})
	}
}

func (b *Backend) putListener(coll *collection.Collection, listeners *collection.Collection) http.HandlerFunc {
	resourceType := coll.Type().Type()
	return func(w http.ResponseWriter, r *http.Request) {
		listenerId := mux.Vars(r)["listener_id"]
		obj, err := readBody(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if _, present := obj["type"]; !present {
			obj["type"] = "listener"
		}
		if _, present := obj["id"]; !present {
			obj["id"] = listenerId
		}
		obj["listen_on_type"] = resourceType
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			updated, err := listeners.Put(tx, obj, nil)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, updated)
			return nil
		})
	}
}

// deleteListener removes the listener and cascades to its
// notifications.
func (b *Backend) deleteListener(listeners *collection.Collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		listenerId := mux.Vars(r)["listener_id"]
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			if err := listeners.Delete(tx, listenerId, nil); err != nil {
				return err
			}
			matches, err := b.notificationsOf(tx, listenerId, "")
			if err != nil {
				return err
			}
			for _, match := range matches {
				if err := b.store.RemoveObjects(tx, objstore.Keys{"obj_id": match.Keys["obj_id"]}); err != nil {
					return err
				}
			}
			writeJSON(w, http.StatusOK, objstore.Object{})
			return nil
		})
	}
}

func (b *Backend) notificationsOf(tx objstore.Transaction, listenerId, notificationId string) ([]objstore.Match, error) {
	conds := []objstore.Condition{
		objstore.ResourceTypeIs("notification"),
		objstore.Equal("listener_id", listenerId),
	}
	if notificationId != "" {
		conds = append(conds, objstore.Equal("id", notificationId))
	}
	return b.store.GetMatches(tx, objstore.All(conds...), nil, objstore.Keys{"subpath": ""})
}

// listNotifications returns the listener's notification ids sorted by
// timestamp, oldest first.
func (b *Backend) listNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		listenerId := mux.Vars(r)["listener_id"]
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			matches, err := b.notificationsOf(tx, listenerId, "")
			if err != nil {
				return err
			}
			sort.SliceStable(matches, func(i, j int) bool {
				ti, _ := matches[i].Body["timestamp"].(string)
				tj, _ := matches[j].Body["timestamp"].(string)
				return ti < tj
			})
			resources := make([]interface{}, 0, len(matches))
			for _, match := range matches {
				resources = append(resources, objstore.Object{"id": match.Keys["obj_id"]})
			}
			writeJSON(w, http.StatusOK, objstore.Object{"resources": resources})
			return nil
		})
	}
}

func (b *Backend) getNotification() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			matches, err := b.notificationsOf(tx, vars["listener_id"], vars["notification_id"])
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				return collection.NoSuchResourceError{Id: vars["notification_id"]}
			}
			if len(matches) > 1 {
				return TooManyResourcesError{Id: vars["notification_id"]}
			}
			writeJSON(w, http.StatusOK, matches[0].Body)
			return nil
		})
	}
}

func (b *Backend) deleteNotification() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		b.withTransaction(w, r, func(tx objstore.Transaction) error {
			matches, err := b.notificationsOf(tx, vars["listener_id"], vars["notification_id"])
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				return collection.NoSuchResourceError{Id: vars["notification_id"]}
			}
			for _, match := range matches {
				if err := b.store.RemoveObjects(tx, objstore.Keys{"obj_id": match.Keys["obj_id"]}); err != nil {
					return err
				}
			}
			writeJSON(w, http.StatusOK, objstore.Object{})
			return nil
		})
	}
}
