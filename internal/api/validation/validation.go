package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Chrisleo-16/xtent-sub002/internal/api/errors"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.ValidationError("empty_request_body", "Request body is empty")
		}
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}

	return v.Validate()
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if value == "" {
		return errors.ValidationError("required_field_missing", field+" is required")
	}
	return nil
}

// MaxLength validates that a string is not longer than maxLen bytes
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// OneOf validates that value is one of allowed
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.ValidationError("invalid_value", field+" has unsupported value "+strconv.Quote(value))
}

// QueryInt reads an integer query parameter, falling back to def when absent
// and rejecting values outside [min, max]
func QueryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.ValidationError("invalid_query_parameter", name+" must be an integer")
	}
	if n < min || n > max {
		return 0, errors.ValidationError(
			"query_parameter_out_of_range",
			name+" must be between "+strconv.Itoa(min)+" and "+strconv.Itoa(max),
		)
	}
	return n, nil
}
