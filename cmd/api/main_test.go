package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/events"
	"github.com/mcclellann/fintrack/pkg/ledger"
	"github.com/mcclellann/fintrack/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestServer(t *testing.T, s store.Storage) http.Handler {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.NewLedger(s, events.NewLogPublisher(logger), logger)
	return NewServer(l, s, logger).Router()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

type loanResponse struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	MonthlyPayment decimal.Decimal `json:"monthly_payment"`
	State          string          `json:"state"`
}

func createLoan(t *testing.T, h http.Handler) loanResponse {
	t.Helper()
	rr := do(t, h, "POST", "/loans", map[string]any{
		"name":               "Car",
		"loan_type":          "auto",
		"original_principal": "1200.00",
		"interest_rate":      "12",
		"term_months":        12,
		"start_date":         "2024-01-15",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[loanResponse](t, rr)
}

func TestAPI_CreateAndGetLoan(t *testing.T) {
	h := setupTestServer(t, nil)

	created := createLoan(t, h)
	assert.Equal(t, "active", created.State)
	assert.True(t, decimal.RequireFromString("106.62").Equal(created.MonthlyPayment))

	rr := do(t, h, "GET", "/loans/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	fetched := decode[loanResponse](t, rr)
	assert.Equal(t, created.ID, fetched.ID)
	assert.True(t, decimal.RequireFromString("1200").Equal(fetched.CurrentBalance))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestAPI_RecordPayment(t *testing.T) {
	h := setupTestServer(t, nil)
	loan := createLoan(t, h)
	path := "/loans/" + loan.ID.String()

	rr := do(t, h, "POST", path+"/payments", map[string]any{
		"amount":          "106.64",
		"extra_principal": "50.00",
		"payment_date":    "2024-02-15",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	result := decode[struct {
		PrincipalPaid decimal.Decimal `json:"principal_paid"`
		InterestPaid  decimal.Decimal `json:"interest_paid"`
		NewBalance    decimal.Decimal `json:"new_balance"`
	}](t, rr)
	assert.True(t, decimal.RequireFromString("144.64").Equal(result.PrincipalPaid))
	assert.True(t, decimal.RequireFromString("12.00").Equal(result.InterestPaid))
	assert.True(t, decimal.RequireFromString("1055.36").Equal(result.NewBalance))

	rr = do(t, h, "GET", path+"/payments", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, rr).Count)

	rr = do(t, h, "GET", path+"/amortization", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	schedule := decode[struct {
		PaymentsMade int               `json:"payments_made"`
		Entries      []json.RawMessage `json:"schedule"`
	}](t, rr)
	assert.Equal(t, 1, schedule.PaymentsMade)
	assert.Len(t, schedule.Entries, 11)

	rr = do(t, h, "GET", path+"/reconcile", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[struct {
		Consistent bool `json:"consistent"`
	}](t, rr).Consistent)
}

func TestAPI_ErrorMapping(t *testing.T) {
	h := setupTestServer(t, nil)
	loan := createLoan(t, h)
	path := "/loans/" + loan.ID.String()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"malformed id", "GET", "/loans/not-a-uuid", nil, http.StatusBadRequest},
		{"malformed body", "POST", "/loans", "{", http.StatusBadRequest},
		{"invalid terms", "POST", "/loans", map[string]any{"name": "x", "original_principal": "-1", "interest_rate": "5", "term_months": 12, "start_date": "2024-01-01"}, http.StatusBadRequest},
		{"non-positive payment", "POST", path + "/payments", map[string]any{"amount": "0", "payment_date": "2024-02-15"}, http.StatusBadRequest},
		{"bad active filter", "GET", "/loans?active=maybe", nil, http.StatusBadRequest},
		{"bad limit", "GET", path + "/payments?limit=0", nil, http.StatusBadRequest},
		{"unknown loan", "GET", "/loans/" + uuid.NewString(), nil, http.StatusNotFound},
		{"unknown account", "GET", "/accounts/" + uuid.NewString(), nil, http.StatusNotFound},
		{"payment on unknown loan", "POST", "/loans/" + uuid.NewString() + "/payments", map[string]any{"amount": "10", "payment_date": "2024-02-15"}, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
		})
	}

	rr := do(t, h, "POST", path+"/payments", map[string]any{"amount": "10.001", "payment_date": "2024-02-15"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "amount", decode[errorResponse](t, rr).Field)
}

func TestAPI_LifecycleConflicts(t *testing.T) {
	h := setupTestServer(t, nil)
	loan := createLoan(t, h)
	path := "/loans/" + loan.ID.String()

	rr := do(t, h, "PATCH", path, map[string]any{"name": "Family car", "monthly_payment": "150.00"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[loanResponse](t, rr)
	assert.Equal(t, "Family car", updated.Name)
	assert.True(t, decimal.RequireFromString("150").Equal(updated.MonthlyPayment))

	rr = do(t, h, "POST", path+"/payments", map[string]any{"amount": "5000.00", "payment_date": "2024-02-15"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, h, "POST", path+"/payments", map[string]any{"amount": "10.00", "payment_date": "2024-03-15"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = do(t, h, "PATCH", path, map[string]any{"notes": "closed"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, "DELETE", path, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, "GET", path, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, h, "POST", path+"/payments", map[string]any{"amount": "10.00", "payment_date": "2024-03-15"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	rr = do(t, h, "DELETE", path, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_ListAndSummary(t *testing.T) {
	h := setupTestServer(t, nil)
	createLoan(t, h)
	createLoan(t, h)

	rr := do(t, h, "GET", "/loans?active=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Total        int             `json:"total"`
		TotalBalance decimal.Decimal `json:"total_balance"`
	}](t, rr)
	assert.Equal(t, 2, list.Total)
	assert.True(t, decimal.RequireFromString("2400").Equal(list.TotalBalance))

	rr = do(t, h, "GET", "/loans/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decode[struct {
		ActiveLoans int            `json:"active_loans"`
		LoansByType map[string]int `json:"loans_by_type"`
	}](t, rr)
	assert.Equal(t, 2, summary.ActiveLoans)
	assert.Equal(t, 2, summary.LoansByType["auto"])
}

func TestAPI_StandaloneSchedule(t *testing.T) {
	h := setupTestServer(t, nil)

	rr := do(t, h, "POST", "/amortization", map[string]any{
		"principal":     "1200.00",
		"interest_rate": "12",
		"term_months":   12,
		"start_date":    "2024-01-15",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	schedule := decode[struct {
		MonthlyPayment decimal.Decimal `json:"monthly_payment"`
		Entries        []struct {
			PaymentDate string          `json:"payment_date"`
			Balance     decimal.Decimal `json:"balance"`
		} `json:"schedule"`
	}](t, rr)
	assert.True(t, decimal.RequireFromString("106.62").Equal(schedule.MonthlyPayment))
	require.Len(t, schedule.Entries, 12)
	assert.Equal(t, "2024-02-15", schedule.Entries[0].PaymentDate)
	assert.True(t, schedule.Entries[11].Balance.IsZero())

	rr = do(t, h, "POST", "/amortization", map[string]any{
		"principal": "1200.00", "interest_rate": "12", "term_months": 0, "start_date": "2024-01-15",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_StandaloneScheduleRejectsOutOfRangeTerms(t *testing.T) {
	h := setupTestServer(t, nil)

	cases := map[string]map[string]any{
		"term above 600": {
			"principal": "1000.00", "interest_rate": "5", "term_months": 601, "start_date": "2024-01-15",
		},
		"very long term": {
			"principal": "1000.00", "interest_rate": "5", "term_months": 2000000, "start_date": "2024-01-15",
		},
		"sub-cent principal": {
			"principal": "1000.005", "interest_rate": "5", "term_months": 12, "start_date": "2024-01-15",
		},
		"sub-cent monthly payment": {
			"principal": "1000.00", "interest_rate": "5", "term_months": 12, "start_date": "2024-01-15",
			"monthly_payment": "90.001",
		},
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := do(t, h, "POST", "/amortization", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}

	rr := do(t, h, "POST", "/amortization", map[string]any{
		"principal": "1000.00", "interest_rate": "5", "term_months": 600, "start_date": "2024-01-15",
	})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestAPI_Accounts(t *testing.T) {
	h := setupTestServer(t, nil)

	rr := do(t, h, "POST", "/accounts", map[string]any{"name": "Car loan", "current_balance": "1200.00"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	account := decode[struct {
		ID uuid.UUID `json:"id"`
	}](t, rr)

	rr = do(t, h, "POST", "/loans", map[string]any{
		"name": "Linked", "original_principal": "1200.00", "interest_rate": "12",
		"term_months": 12, "start_date": "2024-01-15", "account_id": account.ID.String(),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	loan := decode[loanResponse](t, rr)

	rr = do(t, h, "POST", "/loans/"+loan.ID.String()+"/payments", map[string]any{"amount": "106.62", "payment_date": "2024-02-15"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, h, "GET", "/accounts/"+account.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[struct {
		CurrentBalance decimal.Decimal `json:"current_balance"`
	}](t, rr)
	assert.True(t, decimal.RequireFromString("1105.38").Equal(got.CurrentBalance), "balance %s", got.CurrentBalance)
}

type downStore struct {
	*store.MemoryStore
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestAPI_HealthAndMetrics(t *testing.T) {
	rr := do(t, setupTestServer(t, nil), "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, setupTestServer(t, downStore{store.NewMemoryStore()}), "GET", "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	h := setupTestServer(t, nil)
	do(t, h, "GET", "/loans", nil)
	rr = do(t, h, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fintrack_http_requests_total")
}

func TestScheduleCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"schedule", "--principal", "1200", "--rate", "12", "--term", "12", "--start", "2024-01-15"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "2024-02-15")
	assert.Contains(t, out.String(), "Monthly payment: 106.62")
}
