package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/fintrack/pkg/amortization"
	"github.com/mcclellann/fintrack/pkg/ledger"
	"github.com/mcclellann/fintrack/pkg/logging"
	"github.com/mcclellann/fintrack/pkg/metrics"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/mcclellann/fintrack/pkg/store"
	"github.com/shopspring/decimal"
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage // Pinged by /healthz
	logger  *slog.Logger
}

func NewServer(l *ledger.Ledger, s store.Storage, logger *slog.Logger) *Server {
	return &Server{
		ledger:  l,
		storage: s,
		logger:  logging.WithComponent(logger, logging.ComponentHTTP),
	}
}

// Router wires every route behind the request logging and metrics middleware.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/summary", s.summaryHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.updateLoanHandler).Methods("PATCH")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/amortization", s.loanScheduleHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/loans/{id}/reconcile", s.reconcileHandler).Methods("GET")
	router.HandleFunc("/amortization", s.computeScheduleHandler).Methods("POST")
	router.HandleFunc("/accounts", s.createAccountHandler).Methods("POST")
	router.HandleFunc("/accounts/{id}", s.getAccountHandler).Methods("GET")
	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	router.Use(logging.Middleware(s.logger))
	router.Use(metrics.Middleware)
	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps domain errors onto status codes. Unexpected errors are
// logged and answered with a generic body.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var vErr *models.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Field: vErr.Field})
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			logging.FieldOperation, op,
			logging.FieldError, err,
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, resource string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + resource + " ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateLoanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), req)
	if err != nil {
		writeError(w, r, logging.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, r, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	var active *bool
	if raw := r.URL.Query().Get("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "active must be true or false", Field: "active"})
			return
		}
		active = &v
	}

	loans, err := s.ledger.ListLoans(r.Context(), active)
	if err != nil {
		writeError(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.Summary(r.Context())
	if err != nil {
		writeError(w, r, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	var req ledger.UpdateLoanRequest
	if !decodeBody(w, r, &req) {
		return
	}

	loan, err := s.ledger.UpdateLoan(r.Context(), loanID, req)
	if err != nil {
		writeError(w, r, logging.OpUpdate, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	if err := s.ledger.DeleteLoan(r.Context(), loanID); err != nil {
		writeError(w, r, logging.OpDelete, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loanScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	schedule, err := s.ledger.GetAmortizationSchedule(r.Context(), loanID)
	if err != nil {
		writeError(w, r, "schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	var req ledger.PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.ledger.RecordPayment(r.Context(), loanID, req)
	if err != nil {
		writeError(w, r, logging.OpPayment, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer", Field: "limit"})
			return
		}
		limit = v
	}

	payments, err := s.ledger.ListPayments(r.Context(), loanID, limit)
	if err != nil {
		writeError(w, r, "list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments, "count": len(payments)})
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loan")
	if !ok {
		return
	}

	result, err := s.ledger.ReconcileLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, r, logging.OpReconcile, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// scheduleRequest is the body of POST /amortization.
type scheduleRequest struct {
	Principal      decimal.Decimal     `json:"principal"`
	InterestRate   decimal.Decimal     `json:"interest_rate"`
	TermMonths     int                 `json:"term_months"`
	StartDate      models.Date         `json:"start_date"`
	MonthlyPayment decimal.NullDecimal `json:"monthly_payment"`
}

func (s *Server) computeScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StartDate.IsZero() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "start_date: is required", Field: "start_date"})
		return
	}

	schedule, err := amortization.ComputeSchedule(req.Principal, req.InterestRate, req.TermMonths, req.StartDate, req.MonthlyPayment)
	if err != nil {
		writeError(w, r, "compute schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) createAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string          `json:"name"`
		CurrentBalance decimal.Decimal `json:"current_balance"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	account, err := s.ledger.CreateAccount(r.Context(), req.Name, req.CurrentBalance)
	if err != nil {
		writeError(w, r, logging.OpCreate, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) getAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "account")
	if !ok {
		return
	}

	account, err := s.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, r, "get account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context()).WarnContext(r.Context(), "Health check failed", logging.FieldError, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
