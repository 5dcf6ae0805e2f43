package ledger

const (
	operationSpend    = "spend"
	operationPurchase = "purchase"
	operationSignup   = "signup"
	operationMutate   = "mutate"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// ConfigKeySignupBonus controls the one-time grant recorded when an
	// account is initialized.
	ConfigKeySignupBonus = "signup_bonus"

	// DefaultTier labels freshly initialized balances.
	DefaultTier = "basic"

	// Usage debits at or below this magnitude are treated as noise by the
	// "important" history filter.
	importantUsageNoise = 10

	// The history endpoint ships a rolling daily usage series this long.
	usageWindowDays = 30

	descriptionCreditsSpent = "credits spent"
	descriptionSignupBonus  = "signup bonus"
	descriptionPurchase     = "credit purchase"

	minHistoryLimit = 1
	maxHistoryLimit = 100
)

// ImportantUsageNoise exposes the history filter threshold to stores.
func ImportantUsageNoise() int64 {
	return importantUsageNoise
}
