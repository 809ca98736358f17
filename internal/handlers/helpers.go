package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/toolbox/internal/apperrors"
	"github.com/ternarybob/toolbox/internal/services/auth"
	"github.com/ternarybob/toolbox/internal/toolkits"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes the 405).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// RespondError translates a service error into the JSON error envelope.
// Throttled errors carrying a lockout also advertise the remaining wait
// through Retry-After so clients can back off precisely.
func RespondError(w http.ResponseWriter, err error) {
	var lockout *auth.LockoutError
	if errors.As(err, &lockout) && lockout.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(lockout.RetryAfter.Seconds()))))
	}
	toolkits.RespondError(w, err)
}

// DecodeJSON reads the request body into dst, classifying malformed JSON
// as a validation error.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.KindInvalid, err, "Request body is not valid JSON")
	}
	return nil
}

// PathParam returns the path remainder after prefix with surrounding
// slashes trimmed; empty when the path is the prefix itself.
func PathParam(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

// pageParams reads the 1-based page and page_size query values, applying
// the given default and ceiling to page_size.
func pageParams(r *http.Request, defaultSize, maxSize int) (int, int) {
	page := 1
	pageSize := defaultSize

	if v := r.URL.Query().Get("page"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 1 {
			page = parsed
		}
	}
	if v := r.URL.Query().Get("page_size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 1 {
			pageSize = parsed
		}
	}
	if pageSize > maxSize {
		pageSize = maxSize
	}
	return page, pageSize
}

// queryValues collects a filter parameter that may repeat or carry
// comma-separated values.
func queryValues(r *http.Request, name string) []string {
	var out []string
	for _, raw := range r.URL.Query()[name] {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
