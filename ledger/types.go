package ledger

// Well-known currency codes. The set is open; any non-empty code is accepted
// by the store.
const (
	CurrencyLAND = "LAND"
	CurrencyGAME = "GAME"
	CurrencyCASH = "CASH"
)

// Balance is a single currency position for an account.
type Balance struct {
	Available uint64 `json:"available"`
	Locked    uint64 `json:"locked"`
}

// Op is one balance delta inside a transaction. Negative deltas debit the
// account's available balance, positive deltas credit it.
type Op struct {
	Account  string `json:"account"`
	Currency string `json:"currency"`
	Delta    int64  `json:"delta"`
}

// Transaction is an atomic batch of balance deltas tagged with an
// idempotency key and the anchor height under which it was admitted.
// AnchorHeight zero with Pending set means the transaction has not been
// anchored yet.
type Transaction struct {
	IdempotencyKey string `json:"idempotencyKey"`
	AnchorHeight   uint64 `json:"anchorHeight"`
	Pending        bool   `json:"pending"`
	Ops            []Op   `json:"ops"`
}

// Result captures the balances of every touched account after a transaction
// applied. Replays with the same idempotency key return the same result.
type Result struct {
	Balances map[string]map[string]Balance `json:"balances"`
}
