package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

const maxBodyBytes = 8 << 20

// Problem is an RFC 7807 error body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	writeBody(w, "application/json", status, v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeBody(w, "application/problem+json", status, Problem{
		Type:     problemType(status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

func writeBody(w http.ResponseWriter, contentType string, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// problemType names the error class; receivers may switch on it.
func problemType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "urn:dispatch:invalid-request"
	case http.StatusNotFound:
		return "urn:dispatch:not-found"
	case http.StatusTooManyRequests:
		return "urn:dispatch:rate-limited"
	case http.StatusServiceUnavailable:
		return "urn:dispatch:unavailable"
	}
	return "about:blank"
}

// decodeJSON reads a bounded request body into v, writing a 400 problem on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeProblem(w, http.StatusUnsupportedMediaType, "Unsupported media type", "expected application/json", r.URL.Path)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return false
	}
	return true
}
