// internal/circulation/handler.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"bibliodigit/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HandlerParams configures the HTTP transport. Clock defaults to time.Now.
type HandlerParams struct {
	Service Service
	Fines   FineCalculator
	Logger  *logger.Logger
	Clock   func() time.Time
}

type Handler struct {
	service  Service
	fines    FineCalculator
	log      *logger.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(p HandlerParams) *Handler {
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.Fines == (FineCalculator{}) {
		p.Fines = NewFineCalculator(DefaultFineRate)
	}
	return &Handler{
		service:  p.Service,
		fines:    p.Fines,
		log:      p.Logger,
		validate: newValidator(),
		now:      p.Clock,
	}
}

// NewRouter mounts the loan routes behind request id, logging, recovery and,
// when limiter is set, rate limiting.
func NewRouter(h *Handler, limiter *rate.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(h.log))
	r.Use(Logging(h.log))
	r.Use(middleware.Recoverer)
	if limiter != nil {
		r.Use(RateLimit(limiter, h.log))
	}
	h.Routes(r)
	return r
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RequireRole(h.log, AllCategories...))

		r.Post("/loans", h.HandleBorrow)
		r.With(RequireRole(h.log, CategoryAdmin)).Get("/loans/overdue", h.HandleOverdue)
		r.Get("/loans/{id}", h.HandleGetLoan)
		r.Put("/loans/{id}/return", h.HandleReturn)
		r.Get("/loans/{id}/fine", h.HandleFine)
		r.Get("/loans/{id}/events", h.HandleEvents)

		r.Get("/users/{userID}/loans/active", h.HandleActiveLoans)
		r.Get("/users/{userID}/loans/history", h.HandleLoanHistory)
		r.Get("/users/{userID}/loans/count", h.HandleCountActive)
		r.Get("/users/{userID}/can-borrow", h.HandleCanBorrow)
	})
}

type borrowRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	BookID string `json:"book_id" validate:"required,uuid"`
}

// loanResponse adds the live overdue day count to a record.
type loanResponse struct {
	*LoanRecord
	DaysOverdue int `json:"days_overdue"`
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := h.decodeJSONBody(r, &req); err != nil {
		writeError(r.Context(), h.log, w, err)
		return
	}

	userID, _ := uuid.Parse(req.UserID)
	bookID, _ := uuid.Parse(req.BookID)
	ctx := h.log.WithUserID(r.Context(), userID.String())

	now := h.now()
	loan, err := h.service.Borrow(ctx, userID, bookID, now)
	if err != nil {
		writeError(ctx, h.log, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toResponse(loan, now))
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	loanID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	now := h.now()
	loan, err := h.service.Return(r.Context(), loanID, now)
	if err != nil {
		writeError(r.Context(), h.log, w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toResponse(loan, now))
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	loan, err := h.service.GetLoan(r.Context(), loanID)
	if err != nil {
		writeError(r.Context(), h.log, w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toResponse(loan, h.now()))
}

func (h *Handler) HandleFine(w http.ResponseWriter, r *http.Request) {
	loanID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	quote, err := h.service.CalculateFine(r.Context(), loanID, h.now())
	if err != nil {
		writeError(r.Context(), h.log, w, err)
		return
	}

	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	loanID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	events, err := h.service.LoanEvents(r.Context(), loanID)
	if err != nil {
		writeError(r.Context(), h.log, w, err)
		return
	}
	if events == nil {
		events = []LoanEvent{}
	}

	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	loans, err := h.service.OverdueLoans(r.Context(), now)
	h.writeLoans(w, r, loans, now, err)
}

func (h *Handler) HandleActiveLoans(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	loans, err := h.service.ActiveLoans(r.Context(), userID)
	h.writeLoans(w, r, loans, h.now(), err)
}

func (h *Handler) HandleLoanHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	loans, err := h.service.LoanHistory(r.Context(), userID)
	h.writeLoans(w, r, loans, h.now(), err)
}

func (h *Handler) HandleCountActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}

	n, err := h.service.CountActiveLoans(r.Context(), userID)
	if err != nil {
		writeError(r.Context(), h.log, w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "active_loans": n})
}

func (h *Handler) HandleCanBorrow(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}

	allowed := h.service.CanUserBorrow(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "can_borrow": allowed})
}

// writeLoans answers 204 for an empty list.
func (h *Handler) writeLoans(w http.ResponseWriter, r *http.Request, loans []LoanRecord, now time.Time, err error) {
	if err != nil {
		writeError(r.Context(), h.log, w, err)
		return
	}
	if len(loans) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out := make([]loanResponse, 0, len(loans))
	for i := range loans {
		out = append(out, h.toResponse(&loans[i], now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) toResponse(loan *LoanRecord, now time.Time) loanResponse {
	return loanResponse{LoanRecord: loan, DaysOverdue: h.fines.DaysOverdue(loan, now)}
}

func (h *Handler) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(r.Context(), h.log, w, &apiError{
			status:  http.StatusBadRequest,
			code:    "VALIDATION_ERROR",
			message: "invalid path parameter",
			details: map[string]string{param: "must be a valid uuid"},
		})
		return uuid.Nil, false
	}
	return id, true
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

func (h *Handler) decodeJSONBody(r *http.Request, dest any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return &apiError{
			status:  http.StatusBadRequest,
			code:    "VALIDATION_ERROR",
			message: "invalid request body",
			details: map[string]string{"error": err.Error()},
		}
	}

	if err := h.validate.Struct(dest); err != nil {
		details := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = validationMessage(fe)
			}
		}
		return &apiError{
			status:  http.StatusBadRequest,
			code:    "VALIDATION_ERROR",
			message: "validation failed",
			details: details,
		}
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a valid uuid"
	}
	return "is invalid"
}

// apiError is a transport-level failure with a fixed status.
type apiError struct {
	status  int
	code    string
	message string
	details any
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

var statusByCode = map[string]int{
	CodeUserNotFound:        http.StatusNotFound,
	CodeBookNotFound:        http.StatusNotFound,
	CodeLoanNotFound:        http.StatusNotFound,
	CodeUserInactive:        http.StatusBadRequest,
	CodeBookUnavailable:     http.StatusBadRequest,
	CodeBorrowLimitExceeded: http.StatusBadRequest,
	CodePolicyLookupFailed:  http.StatusBadRequest,
	CodeLoanNotActive:       http.StatusBadRequest,
}

func writeError(ctx context.Context, log *logger.Logger, w http.ResponseWriter, err error) {
	var api *apiError
	if errors.As(err, &api) {
		writeJSON(w, api.status, errorEnvelope{Error: errorBody{Code: api.code, Message: api.message, Details: api.details}})
		return
	}

	code := ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		log.Error(ctx, "request failed", err)
		writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{Code: CodeInternal, Message: "internal server error"}})
		return
	}

	body := errorBody{Code: code, Message: err.Error()}
	var limitErr *BorrowLimitError
	if errors.As(err, &limitErr) {
		body.Details = map[string]int{"limit": limitErr.Limit, "current": limitErr.Current}
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
