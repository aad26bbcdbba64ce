package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, message string, fields map[string]string) {
	var kind string
	switch status {
	case http.StatusBadRequest:
		kind = "bad_request"
	case http.StatusServiceUnavailable:
		kind = "unavailable"
	default:
		kind = "internal_error"
	}
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message, Fields: fields})
}

// decode reads a JSON body into dst and validates it. On failure it writes a
// 400 reply and returns false.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			switch fe.Tag() {
			case "required":
				fields[fe.Field()] = "is required"
			case "oneof":
				fields[fe.Field()] = "must be one of: " + fe.Param()
			default:
				fields[fe.Field()] = fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
			}
		}
		writeError(w, http.StatusBadRequest, "validation failed", fields)
		return false
	}
	return true
}
