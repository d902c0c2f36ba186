// Package amortization computes fixed-payment repayment schedules.
//
// All functions are pure. Money is carried as decimal.Decimal at full
// precision and rounded to cents only where a per-period figure is produced:
//
//	monthlyRate = annualRatePercent / 100 / 12
//	payment     = P * r * (1+r)^n / ((1+r)^n - 1)
package amortization

import (
	"math"

	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"
)

// MaxTermMonths is the longest term any schedule is computed for.
const MaxTermMonths = 600

const (
	centPlaces    = 2
	ratePrecision = 24
	// Reported when the payment never covers the interest due.
	unreachablePayments = 999
)

var (
	one                  = decimal.NewFromInt(1)
	monthsTimesPercent   = decimal.NewFromInt(1200)
	maxAnnualRatePercent = decimal.NewFromInt(100)
)

// Entry is one projected period of a schedule.
type Entry struct {
	PaymentNumber       int             `json:"payment_number"`
	PaymentDate         models.Date     `json:"payment_date"`
	PaymentAmount       decimal.Decimal `json:"payment_amount"`
	Principal           decimal.Decimal `json:"principal"`
	Interest            decimal.Decimal `json:"interest"`
	Balance             decimal.Decimal `json:"balance"`
	CumulativeInterest  decimal.Decimal `json:"cumulative_interest"`
	CumulativePrincipal decimal.Decimal `json:"cumulative_principal"`
}

// Schedule is the output of ComputeSchedule.
type Schedule struct {
	MonthlyPayment decimal.Decimal `json:"monthly_payment"`
	Entries        []Entry         `json:"schedule"`
	TotalInterest  decimal.Decimal `json:"total_interest"`
	TotalCost      decimal.Decimal `json:"total_cost"`
}

// ValidateTerms checks the inputs ComputeSchedule accepts.
func ValidateTerms(principal, annualRatePercent decimal.Decimal, termMonths int) error {
	if !principal.IsPositive() {
		return &models.InvalidTermsError{Reason: "principal must be positive"}
	}
	if !isCents(principal) {
		return &models.InvalidTermsError{Reason: "principal must have at most 2 decimal places"}
	}
	if termMonths <= 0 {
		return &models.InvalidTermsError{Reason: "term in months must be positive"}
	}
	if termMonths > MaxTermMonths {
		return &models.InvalidTermsError{Reason: "term cannot exceed 600 months"}
	}
	if annualRatePercent.IsNegative() {
		return &models.InvalidTermsError{Reason: "interest rate cannot be negative"}
	}
	if annualRatePercent.GreaterThan(maxAnnualRatePercent) {
		return &models.InvalidTermsError{Reason: "interest rate cannot exceed 100 percent"}
	}
	return nil
}

func isCents(v decimal.Decimal) bool {
	return v.Equal(v.Round(centPlaces))
}

// MonthlyRate converts an annual percentage into a monthly fraction.
func MonthlyRate(annualRatePercent decimal.Decimal) decimal.Decimal {
	return annualRatePercent.DivRound(monthsTimesPercent, ratePrecision)
}

// MonthlyInterest is the interest due for one period on balance, rounded to cents.
// The payment engine and the schedule both charge interest through this function.
func MonthlyInterest(balance, annualRatePercent decimal.Decimal) decimal.Decimal {
	return balance.Mul(annualRatePercent).DivRound(monthsTimesPercent, centPlaces)
}

// Split divides a payment between the interest due on balance and principal.
// An amount below the interest due pays interest only: no principal is
// applied, extra included, and the shortfall is not capitalised. Principal
// never exceeds balance.
func Split(balance, annualRatePercent, amount, extraPrincipal decimal.Decimal) (principal, interest decimal.Decimal) {
	due := MonthlyInterest(balance, annualRatePercent)
	if due.GreaterThan(amount) {
		return decimal.Zero, amount
	}
	interest = due
	principal = amount.Sub(due).Add(decimal.Max(decimal.Zero, extraPrincipal))
	if principal.GreaterThan(balance) {
		principal = balance
	}
	return principal, interest
}

// MonthlyPayment is the fixed payment that retires principal over termMonths, rounded to cents.
func MonthlyPayment(principal, annualRatePercent decimal.Decimal, termMonths int) decimal.Decimal {
	if termMonths <= 0 {
		return decimal.Zero
	}
	r := MonthlyRate(annualRatePercent)
	if r.IsZero() {
		return principal.DivRound(decimal.NewFromInt(int64(termMonths)), centPlaces)
	}
	factor := compound(r, termMonths)
	return principal.Mul(r).Mul(factor).DivRound(factor.Sub(one), centPlaces)
}

// compound returns (1+r)^n keeping ratePrecision places at each step.
func compound(r decimal.Decimal, n int) decimal.Decimal {
	base := one.Add(r)
	factor := one
	for i := 0; i < n; i++ {
		factor = factor.Mul(base).Round(ratePrecision)
	}
	return factor
}

// ComputeSchedule projects the repayment schedule for the given terms. When
// statedPayment is not valid the payment is derived with MonthlyPayment.
// The final period absorbs rounding so the last balance is exactly zero, and
// the schedule stops early once the balance reaches zero.
func ComputeSchedule(
	principal decimal.Decimal,
	annualRatePercent decimal.Decimal,
	termMonths int,
	startDate models.Date,
	statedPayment decimal.NullDecimal,
) (*Schedule, error) {
	if err := ValidateTerms(principal, annualRatePercent, termMonths); err != nil {
		return nil, err
	}

	payment := MonthlyPayment(principal, annualRatePercent, termMonths)
	if statedPayment.Valid {
		if !statedPayment.Decimal.IsPositive() {
			return nil, &models.InvalidTermsError{Reason: "monthly payment must be positive"}
		}
		if !isCents(statedPayment.Decimal) {
			return nil, &models.InvalidTermsError{Reason: "monthly payment must have at most 2 decimal places"}
		}
		payment = statedPayment.Decimal
	}

	schedule := &Schedule{
		MonthlyPayment: payment,
		Entries:        make([]Entry, 0, termMonths),
		TotalInterest:  decimal.Zero,
	}

	balance := principal
	cumulativePrincipal := decimal.Zero
	for period := 1; period <= termMonths; period++ {
		principalPart, interest := Split(balance, annualRatePercent, payment, decimal.Zero)
		if period == termMonths {
			interest = MonthlyInterest(balance, annualRatePercent)
			principalPart = balance
		}

		balance = balance.Sub(principalPart)
		schedule.TotalInterest = schedule.TotalInterest.Add(interest)
		cumulativePrincipal = cumulativePrincipal.Add(principalPart)

		schedule.Entries = append(schedule.Entries, Entry{
			PaymentNumber:       period,
			PaymentDate:         startDate.AddMonths(period),
			PaymentAmount:       principalPart.Add(interest),
			Principal:           principalPart,
			Interest:            interest,
			Balance:             balance,
			CumulativeInterest:  schedule.TotalInterest,
			CumulativePrincipal: cumulativePrincipal,
		})

		if balance.IsZero() {
			break
		}
	}

	schedule.TotalCost = principal.Add(schedule.TotalInterest)
	return schedule, nil
}

// RemainingPayments estimates how many payments of size payment retire balance.
// It returns 999 when payment does not cover the interest due.
func RemainingPayments(balance, annualRatePercent, payment decimal.Decimal) int {
	if !payment.IsPositive() || !balance.IsPositive() {
		return 0
	}
	r := MonthlyRate(annualRatePercent).InexactFloat64()
	b := balance.InexactFloat64()
	p := payment.InexactFloat64()
	if r == 0 {
		return int(math.Ceil(b/p - 1e-9))
	}
	if p <= b*r {
		return unreachablePayments
	}
	n := -math.Log(1-(b*r/p)) / math.Log(1+r)
	// Trim float noise so an exact count does not round up.
	return int(math.Max(0, math.Ceil(n-1e-9)))
}
