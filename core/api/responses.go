package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/qvarnlabs/qvarn/core/collection"
	"github.com/qvarnlabs/qvarn/core/logger"
	"github.com/qvarnlabs/qvarn/core/objstore"
	"github.com/qvarnlabs/qvarn/core/resourcetype"
	"github.com/qvarnlabs/qvarn/core/searchparser"
)

// The error kinds raised by the api package itself.

// NoSuchResourceTypeError reports a path with no declared resource type.
type NoSuchResourceTypeError struct {
	Path string
}

func (e NoSuchResourceTypeError) Error() string {
	return fmt.Sprintf("there is no resource type for %s", e.Path)
}

// TooManyResourceTypesError reports duplicate type declarations.
type TooManyResourceTypesError struct {
	Path string
}

func (e TooManyResourceTypesError) Error() string {
	return fmt.Sprintf("there are multiple resource types for %s", e.Path)
}

// TooManyResourcesError reports multiple objects under one id.
type TooManyResourcesError struct {
	Id string
}

func (e TooManyResourcesError) Error() string {
	return fmt.Sprintf("there are multiple resources with id %s", e.Id)
}

// NotJsonError reports a body with the wrong content type.
type NotJsonError struct {
	ContentType string
}

func (e NotJsonError) Error() string {
	return fmt.Sprintf("expected content type application/json, got %q", e.ContentType)
}

// IdMismatchError reports a PUT whose body id differs from the path id.
type IdMismatchError struct {
	BodyId string
	PathId string
}

func (e IdMismatchError) Error() string {
	return fmt.Sprintf("resource id %s does not match the path id %s", e.BodyId, e.PathId)
}

// BadListenerError reports a listener bound to the wrong resource
// type.
type BadListenerError struct {
	Want string
}

func (e BadListenerError) Error() string {
	return fmt.Sprintf("listen_on_type does not have value %s", e.Want)
}

// AccessDeniedError reports a capability the caller lacks.
type AccessDeniedError struct{}

func (e AccessDeniedError) Error() string {
	return "access denied"
}

// searchError is the JSON error body of a failed search.
type searchError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
	Field     string `json:"field,omitempty"`
}

// writeError translates an error kind to its HTTP status and body.
// This is the single mapping table; nothing else in the repo assigns
// status codes to error kinds.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	rlog := logger.FromContext(r.Context())

	var parseErr searchparser.SearchParserError
	var needSort searchparser.NeedSortOperatorError
	var unknownField collection.UnknownSearchFieldError
	switch {
	case errors.As(err, &needSort):
		writeJSON(w, http.StatusBadRequest, searchError{Message: needSort.Error(), ErrorCode: "LimitWithoutSortError"})
		return
	case errors.As(err, &parseErr):
		writeJSON(w, http.StatusBadRequest, searchError{Message: parseErr.Error(), ErrorCode: "BadSearchCondition"})
		return
	case errors.As(err, &unknownField):
		writeJSON(w, http.StatusBadRequest, searchError{
			Message:   unknownField.Error(),
			ErrorCode: "FieldNotInResource",
			Field:     unknownField.Field,
		})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		rlog.Errorln("internal error:", err)
		http.Error(w, "internal error", status)
		return
	}
	rlog.Infoln("request failed:", err)
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	var (
		notADict       resourcetype.NotADictError
		noType         resourcetype.NoTypeError
		wrongType      resourcetype.WrongTypeError
		noId           resourcetype.NoIdError
		hasId          resourcetype.HasIdError
		noRevision     resourcetype.NoRevisionError
		hasRevision    resourcetype.HasRevisionError
		unknownField   resourcetype.UnknownFieldError
		unknownSubpath resourcetype.UnknownSubpathError
		invalidSpec    resourcetype.InvalidSpecError

		noCriteria collection.NoSearchCriteriaError
		noResource collection.NoSuchResourceError
		wrongRev   collection.WrongRevisionError

		noObject objstore.NoSuchObjectError

		noType404   NoSuchResourceTypeError
		notJSON     NotJsonError
		mismatch    IdMismatchError
		badListener BadListenerError
		denied      AccessDeniedError
	)
	switch {
	case errors.As(err, &notADict),
		errors.As(err, &noType),
		errors.As(err, &wrongType),
		errors.As(err, &noId),
		errors.As(err, &hasId),
		errors.As(err, &noRevision),
		errors.As(err, &hasRevision),
		errors.As(err, &unknownField),
		errors.As(err, &unknownSubpath),
		errors.As(err, &invalidSpec),
		errors.As(err, &noCriteria),
		errors.As(err, &notJSON),
		errors.As(err, &mismatch),
		errors.As(err, &badListener):
		return http.StatusBadRequest
	case errors.As(err, &denied):
		return http.StatusForbidden
	case errors.As(err, &noResource),
		errors.As(err, &noObject),
		errors.As(err, &noType404):
		return http.StatusNotFound
	case errors.As(err, &wrongRev):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeCreated(w http.ResponseWriter, location string, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if location != "" {
		w.Header().Set("Location", location)
	}
	w.WriteHeader(http.StatusCreated)
	w.Write(data)
}

// readBody decodes a JSON request body into an object.
func readBody(r *http.Request) (objstore.Object, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !hasJSONContentType(contentType) {
		return nil, NotJsonError{ContentType: contentType}
	}
	var decoded interface{}
	if err := json.NewDecoder(r.Body).Decode(&decoded); err != nil {
		return nil, NotJsonError{ContentType: contentType}
	}
	return resourcetype.Coerce(decoded)
}

func hasJSONContentType(contentType string) bool {
	for i := 0; i < len(contentType); i++ {
		if contentType[i] == ';' {
			contentType = contentType[:i]
			break
		}
	}
	return contentType == "application/json"
}
