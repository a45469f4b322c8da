package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"droidpilot/pkg/errs"
	"droidpilot/pkg/logger"
	"droidpilot/pkg/pilot"
	"droidpilot/pkg/types"
)

const (
	maxRequestBody      = 64 << 10
	defaultHistoryLimit = 50
)

// apiError is the error half of every failing response
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// executionResponse carries the result even when the action failed, so a
// client always sees the attempt trace
type executionResponse struct {
	Result types.ExecutionResult `json:"result"`
	Error  *apiError             `json:"error,omitempty"`
}

// API serves the service over HTTP
type API struct {
	service *pilot.Service
	events  *EventHub
}

// NewRouter builds the HTTP routes. events may be nil, which disables
// /v1/events.
func NewRouter(service *pilot.Service, events *EventHub) *mux.Router {
	api := &API{service: service, events: events}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	}).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/devices", api.handleDevices).Methods("GET")
	v1.HandleFunc("/devices/discover", api.handleDiscover).Methods("POST")
	v1.HandleFunc("/devices/{id}/health", api.handleDeviceHealth).Methods("GET")
	v1.HandleFunc("/devices/{id}/actions", api.handlePerformAction).Methods("POST")
	v1.HandleFunc("/devices/{id}/commands", api.handlePerformCommand).Methods("POST")
	v1.HandleFunc("/devices/{id}/history", api.handleHistory).Methods("GET")
	v1.HandleFunc("/history", api.handleHistory).Methods("GET")
	v1.HandleFunc("/transitions", api.handleTransitions).Methods("GET")
	v1.HandleFunc("/actions", api.handleActions).Methods("GET")
	v1.HandleFunc("/registry/reload", api.handleReloadRegistry).Methods("POST")
	if events != nil {
		v1.HandleFunc("/events", events.HandleWebSocket).Methods("GET")
	}
	return r
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Devices())
}

func (a *API) handleDiscover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Discover(r.Context()))
}

// handleDeviceHealth reports a device; ?refresh=true polls it first
func (a *API) handleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		writeJSON(w, http.StatusOK, a.service.RefreshHealth(r.Context(), deviceID))
		return
	}
	writeJSON(w, http.StatusOK, a.service.DeviceHealth(deviceID))
}

// handlePerformAction accepts {"action": "...", "params": {...}}. Param
// values of any JSON type are passed on as their text form.
func (a *API) handlePerformAction(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	action := strings.TrimSpace(gjson.GetBytes(body, "action").String())
	if action == "" {
		writeError(w, http.StatusBadRequest, string(errs.InvalidParams), "action is required")
		return
	}

	params, ok := actionParams(body)
	if !ok {
		writeError(w, http.StatusBadRequest, string(errs.InvalidParams), "params must be an object")
		return
	}

	req := types.ActionRequest{Action: action, Params: params, DeviceID: mux.Vars(r)["id"]}
	result, err := a.service.PerformAction(r.Context(), req)
	a.respondExecution(w, result, err)
}

// actionParams flattens the "params" object into strings. Nulls are dropped.
func actionParams(body []byte) (map[string]string, bool) {
	params := make(map[string]string)
	p := gjson.GetBytes(body, "params")
	if !p.Exists() || p.Type == gjson.Null {
		return params, true
	}
	if !p.IsObject() {
		return nil, false
	}
	p.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Null {
			params[key.String()] = value.String()
		}
		return true
	})
	return params, true
}

// handlePerformCommand accepts {"text": "turn on the flashlight"}
func (a *API) handlePerformCommand(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	text := strings.TrimSpace(gjson.GetBytes(body, "text").String())
	if text == "" {
		writeError(w, http.StatusBadRequest, string(errs.InvalidParams), "text is required")
		return
	}

	result, err := a.service.PerformCommand(r.Context(), mux.Vars(r)["id"], text)
	a.respondExecution(w, result, err)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, string(errs.InvalidParams), "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := a.service.History(mux.Vars(r)["id"], limit)
	if err != nil {
		logger.Error("api").Err(err).Msg("Failed to read execution history")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) handleTransitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Transitions())
}

func (a *API) handleActions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.Actions())
}

func (a *API) handleReloadRegistry(w http.ResponseWriter, r *http.Request) {
	if err := a.service.ReloadRegistry(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_registry", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"actions": len(a.service.Actions())})
}

func (a *API) respondExecution(w http.ResponseWriter, result types.ExecutionResult, err error) {
	if a.events != nil && result.ID != "" {
		a.events.PublishExecution(result)
	}
	if err != nil {
		kind := errs.KindOf(err)
		if kind == "" {
			kind = "internal"
		}
		writeJSON(w, statusForKind(kind), executionResponse{
			Result: result,
			Error:  &apiError{Kind: string(kind), Message: err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusOK, executionResponse{Result: result})
}

// statusForKind maps a pipeline error kind onto an HTTP status
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.InvalidParams:
		return http.StatusBadRequest
	case errs.UnsupportedAction:
		return http.StatusNotFound
	case errs.DeviceUnauthorized:
		return http.StatusForbidden
	case errs.DeviceUnreachable:
		return http.StatusServiceUnavailable
	case errs.IncompleteProfile, errs.Exhausted:
		return http.StatusUnprocessableEntity
	case errs.Cancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads a bounded JSON body, answering 400 itself when it is unusable
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(errs.InvalidParams), "failed to read request body")
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, string(errs.InvalidParams), "request body is not valid JSON")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("api").Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, struct {
		Error apiError `json:"error"`
	}{apiError{Kind: kind, Message: message}})
}
