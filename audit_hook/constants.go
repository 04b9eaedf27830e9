package audithook

// Action constants for audit events.
const (
	// Wallet actions
	ActionWalletCreated    = "wallet.created"
	ActionCreditsDeposited = "credits.deposited"

	// Reservation actions
	ActionCreditsReserved     = "credits.reserved"
	ActionCreditsDeducted     = "credits.deducted"
	ActionCreditsRefunded     = "credits.refunded"
	ActionRefundClamped       = "credits.refund_clamped"
	ActionCreditsInsufficient = "credits.insufficient"
	ActionReservationMismatch = "reservation.mismatch"
	ActionReservationExpired  = "reservation.expired"

	// Task actions
	ActionTaskOpened    = "task.opened"
	ActionTaskCompleted = "task.completed"
	ActionTaskFailed    = "task.failed"

	// Pricing actions
	ActionCostDefaulted = "pricing.cost_defaulted"
)

// Resource constants for audit events.
const (
	ResourceWallet      = "wallet"
	ResourceTransaction = "transaction"
	ResourceTask        = "task"
	ResourcePricing     = "pricing"
)

// Category constants for audit events.
const (
	CategoryBilling     = "billing"
	CategoryReservation = "reservation"
	CategoryUsage       = "usage"
	CategoryPricing     = "pricing"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
