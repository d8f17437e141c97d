package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Version is the API version reported by the version route.
const Version = "0.82"

// apiName identifies the implementation in the version body.
const apiName = "qvarn"

// handleVersionRoute installs GET /version, the single route served
// without a bearer token.
func (b *Backend) handleVersionRoute(router *mux.Router) {
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"api": map[string]interface{}{
				"version": Version,
			},
			"implementation": map[string]interface{}{
				"name":    apiName,
				"version": Version,
			},
		})
	}).Methods(http.MethodGet)
}
