package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jmcleod/fieldkey/registry"
	"github.com/jmcleod/fieldkey/rotation"
	"github.com/jmcleod/fieldkey/secretsource"
	"github.com/jmcleod/fieldkey/storage"
)

const maxBodySize = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, rotation.ErrUnknownReason):
		return http.StatusBadRequest
	case errors.Is(err, rotation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rotation.ErrVerification):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rotation.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, rotation.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNoActiveKey):
		return http.StatusConflict
	case errors.Is(err, registry.ErrMultipleActive):
		return http.StatusConflict
	case errors.Is(err, storage.ErrCASFailed):
		return http.StatusConflict
	case errors.Is(err, secretsource.ErrNotSupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func mapError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

// mapRecordError reports err together with the record it left behind.
func mapRecordError(w http.ResponseWriter, err error, rec *rotation.Record) {
	writeJSON(w, errorStatus(err), ErrorResponse{Error: err.Error(), Record: rec})
}

// decodeJSON reads a JSON body into T. An empty body yields the zero value.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return v, false
	}
	return v, true
}
