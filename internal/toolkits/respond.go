package toolkits

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/toolbox/internal/apperrors"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError translates a service error into the JSON error envelope,
// mapping the error kind onto an HTTP status.
func RespondError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	WriteJSON(w, StatusForKind(kind), map[string]interface{}{
		"error": map[string]string{
			"code":    kind.String(),
			"message": apperrors.MessageOf(err),
		},
	})
}

// StatusForKind maps an error classification to its HTTP status code.
// Conflicts surface as 400, matching the duplicate-slug behavior clients
// already handle.
func StatusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindInvalid, apperrors.KindConflict:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperrors.KindThrottled:
		return http.StatusTooManyRequests
	case apperrors.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.KindBadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON reads the request body into dst, classifying malformed JSON
// as a validation error.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.KindInvalid, err, "Request body is not valid JSON")
	}
	return nil
}

// MethodNotAllowed writes the standard 405 response.
func MethodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
