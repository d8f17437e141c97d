package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/qvarnlabs/qvarn/core/access"
	"github.com/qvarnlabs/qvarn/core/objstore"
)

// handleAllowRoutes installs the fine-grained access rule routes. Only
// callers with the set_meta_fields capability may manage rules.
func (b *Backend) handleAllowRoutes(router *mux.Router) {
	router.HandleFunc("/allow", b.postAllowRule).Methods(http.MethodPost)
	router.HandleFunc("/allow", b.checkAllowRule).Methods(http.MethodGet)
	router.HandleFunc("/allow", b.deleteAllowRule).Methods(http.MethodDelete)
}

func readAllowRule(r *http.Request) (objstore.AllowRule, error) {
	var rule objstore.AllowRule
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !hasJSONContentType(contentType) {
		return rule, NotJsonError{ContentType: contentType}
	}
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		return rule, NotJsonError{ContentType: contentType}
	}
	return rule, nil
}

func (b *Backend) postAllowRule(w http.ResponseWriter, r *http.Request) {
	if !access.ClaimsFromContext(r.Context()).CanSetMetaFields() {
		writeError(w, r, AccessDeniedError{})
		return
	}
	rule, err := readAllowRule(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b.withTransaction(w, r, func(tx objstore.Transaction) error {
		if err := b.store.AddAllowRule(tx, rule); err != nil {
			return err
		}
		writeCreated(w, "", objstore.Object{})
		return nil
	})
}

// checkAllowRule reports whether the exact rule is present. The rule
// travels in the body, like on POST.
func (b *Backend) checkAllowRule(w http.ResponseWriter, r *http.Request) {
	if !access.ClaimsFromContext(r.Context()).CanSetMetaFields() {
		writeError(w, r, AccessDeniedError{})
		return
	}
	rule, err := readAllowRule(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b.withTransaction(w, r, func(tx objstore.Transaction) error {
		present, err := b.store.HasAllowRule(tx, rule)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, objstore.Object{"allowed": present})
		return nil
	})
}

func (b *Backend) deleteAllowRule(w http.ResponseWriter, r *http.Request) {
	if !access.ClaimsFromContext(r.Context()).CanSetMetaFields() {
		writeError(w, r, AccessDeniedError{})
		return
	}
	rule, err := readAllowRule(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b.withTransaction(w, r, func(tx objstore.Transaction) error {
		if err := b.store.RemoveAllowRule(tx, rule); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, objstore.Object{})
		return nil
	})
}
