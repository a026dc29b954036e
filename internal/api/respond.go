package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"chainshare.app/backend/internal/apperr"
)

const (
	maxBodyBytes   = 1 << 20
	maxUploadBytes = 64 << 20 // base64 document plus embedded fragments
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status and code of its taxonomy member.
// Internal errors are logged and their details are not exposed.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("Request failed")
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	writeJSON(w, status, errorBody{Error: msg, Code: apperr.Code(err)})
}

// decodeJSON reads a JSON body into dst and validates its tags.
func decodeJSON(r *http.Request, dst any) error {
	return decodeJSONLimit(r, dst, maxBodyBytes)
}

func decodeJSONLimit(r *http.Request, dst any, limit int64) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("request body is required")
		}
		return apperr.Invalid("invalid request body: %v", err)
	}
	return validateStruct(dst)
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Invalid("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperr.Invalid("%s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "eth_addr":
		return fmt.Sprintf("%s must be an EVM address", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
