package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"predict-duel/internal/domain"
	"predict-duel/internal/settlement"
)

// CallerHeader carries the base58 identity of the caller. The API trusts
// it as proven by whatever fronts the service.
const CallerHeader = "X-Caller"

const maxBodyBytes = 1 << 16

// Codes for failures detected before the engine runs.
const (
	codeBadRequest    = "BAD_REQUEST"
	codeMissingCaller = "MISSING_CALLER"
	codeInternal      = "INTERNAL"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// requestError is a malformed request rejected before reaching the engine.
type requestError struct {
	status int
	code   string
	msg    string
}

func (e *requestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, code: codeBadRequest, msg: fmt.Sprintf(format, args...)}
}

// writeJSON marshals v as JSON and writes it with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"INTERNAL","message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind settlement.Kind) int {
	switch kind {
	case settlement.KindValidation:
		return http.StatusBadRequest
	case settlement.KindState, settlement.KindOutcome:
		return http.StatusConflict
	case settlement.KindAuthorization:
		return http.StatusForbidden
	case settlement.KindArithmetic:
		return http.StatusUnprocessableEntity
	case settlement.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		writeJSON(w, reqErr.status, errorResponse{Error: reqErr.code, Message: reqErr.msg})
		return
	}

	kind := settlement.KindOf(err)
	if kind == settlement.KindInternal {
		h.logger.Error("request-failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: codeInternal, Message: "internal error"})
		return
	}

	writeJSON(w, statusFor(kind), errorResponse{Error: settlement.CodeOf(err), Message: err.Error()})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func caller(r *http.Request) (domain.Address, error) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		return domain.Address{}, &requestError{
			status: http.StatusUnauthorized,
			code:   codeMissingCaller,
			msg:    CallerHeader + " header is required",
		}
	}
	a, err := domain.ParseAddress(raw)
	if err != nil {
		return domain.Address{}, badRequest("invalid %s: %v", CallerHeader, err)
	}
	return a, nil
}

func addressParam(r *http.Request, name string) (domain.Address, error) {
	a, err := domain.ParseAddress(chi.URLParam(r, name))
	if err != nil {
		return domain.Address{}, badRequest("invalid %s: %v", name, err)
	}
	return a, nil
}

func marketKeyParam(r *http.Request) (domain.MarketKey, error) {
	creator, err := addressParam(r, "creator")
	if err != nil {
		return domain.MarketKey{}, err
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		return domain.MarketKey{}, badRequest("invalid index: %v", err)
	}
	return domain.MarketKey{Creator: creator, Index: index}, nil
}
