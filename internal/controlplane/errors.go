package controlplane

import (
	"encoding/json"
	"net/http"

	coorderr "github.com/fentz26/agent-coordinator/internal/errors"
	"github.com/fentz26/agent-coordinator/internal/models"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error    string               `json:"error"`
	Kind     string               `json:"kind"`
	Conflict *models.LockConflict `json:"conflict,omitempty"`
}

var kindStatus = map[coorderr.Kind]int{
	coorderr.KindInvalid:           http.StatusBadRequest,
	coorderr.KindInvalidKey:        http.StatusBadRequest,
	coorderr.KindInvalidDependency: http.StatusBadRequest,
	coorderr.KindConfig:            http.StatusBadRequest,
	coorderr.KindNotFound:          http.StatusNotFound,
	coorderr.KindConflict:          http.StatusConflict,
	coorderr.KindAlreadyTerminal:   http.StatusConflict,
	coorderr.KindPolicyDenied:      http.StatusForbidden,
	coorderr.KindStoreUnavailable:  http.StatusServiceUnavailable,
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if s, ok := kindStatus[coorderr.KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error(), Kind: coorderr.KindOf(err).String()}
	var conflict *models.LockConflict
	if coorderr.As(err, &conflict) {
		resp.Conflict = conflict
	}
	writeJSON(w, StatusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeError rebuilds a typed error from a reply body.
func decodeError(status int, body []byte) error {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Kind == "" {
		kind := coorderr.KindInternal
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			kind = coorderr.KindPolicyDenied
		case status == http.StatusServiceUnavailable:
			kind = coorderr.KindStoreUnavailable
		case status == http.StatusNotFound:
			kind = coorderr.KindNotFound
		}
		return coorderr.E(kind, "api", "status %d: %s", status, string(body))
	}
	kind, _ := coorderr.ParseKind(resp.Kind)
	if resp.Conflict != nil {
		return &coorderr.Error{Kind: kind, Err: resp.Conflict}
	}
	return &coorderr.Error{Kind: kind, Message: resp.Error}
}
