package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/example/ride-negotiator/internal/negotiation"
)

type errorResponse struct {
	Error   bool                     `json:"error"`
	Code    string                   `json:"code"`
	Message string                   `json:"message"`
	Details []negotiation.FieldError `json:"details,omitempty"`
}

// badRequest is a body that could not be decoded at all, as opposed to a
// decoded body that fails validation.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readJSON decodes a single JSON object from the body. Unknown fields are
// tolerated so older clients keep working.
func readJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var syntaxError *json.SyntaxError
		var typeError *json.UnmarshalTypeError
		var maxBytesError *http.MaxBytesError
		switch {
		case errors.As(err, &syntaxError), errors.Is(err, io.ErrUnexpectedEOF):
			return &badRequest{"malformed JSON"}
		case errors.As(err, &typeError):
			return &negotiation.ValidationError{Fields: []negotiation.FieldError{{
				Field: typeError.Field, Message: "must be of type " + typeError.Type.String(), Code: "type",
			}}}
		case errors.As(err, &maxBytesError):
			return &badRequest{"request body too large"}
		case errors.Is(err, io.EOF):
			return &badRequest{"request body is empty"}
		default:
			return &badRequest{err.Error()}
		}
	}
	if dec.More() {
		return &badRequest{"body must contain only a single JSON value"}
	}
	return nil
}

func statusFor(err error) int {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case negotiation.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, negotiation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, negotiation.ErrInvalidState), errors.Is(err, negotiation.ErrStaleOffer):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: true, Code: negotiation.Code(err), Message: err.Error()}

	var verr *negotiation.ValidationError
	switch {
	case status == http.StatusBadRequest:
		resp.Code = "bad_request"
	case errors.As(err, &verr):
		resp.Message = "validation failed"
		resp.Details = verr.Fields
	case status == http.StatusInternalServerError:
		s.logger.Error("request_failed",
			"route", routeTemplate(r),
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}
