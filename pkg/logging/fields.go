package logging

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldLoanID        = "loan_id"
	FieldAccountID     = "account_id"
	FieldAmount        = "amount"
	FieldPrincipalPaid = "principal_paid"
	FieldInterestPaid  = "interest_paid"
	FieldNewBalance    = "new_balance"
	FieldEventType     = "event_type"
)

// Components
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentLedger    = "ledger"
	ComponentStorage   = "storage"
	ComponentEvents    = "events"
	ComponentReconcile = "reconcile"
)

// Operations
const (
	OpCreate    = "create"
	OpUpdate    = "update"
	OpDelete    = "delete"
	OpPayment   = "payment"
	OpReconcile = "reconcile"
	OpStartup   = "startup"
	OpShutdown  = "shutdown"
)
