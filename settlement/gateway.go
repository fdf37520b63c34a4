// Package settlement converts confirmed external payments into ledger
// credits. It owns the PaymentIntent lifecycle: intents only move forward
// (created → pending → settled, or → expired) and settlement is idempotent
// per intent.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"visionnode/ledger"
	"visionnode/storage"
)

var (
	ErrIntentNotFound = errors.New("settlement: intent not found")
	ErrAlreadySettled = errors.New("settlement: intent already settled")
	ErrIntentExpired  = errors.New("settlement: intent expired")
	ErrInvalidIntent  = errors.New("settlement: invalid intent request")
)

// IntentStatus enumerates the forward-only intent lifecycle.
type IntentStatus string

const (
	StatusCreated IntentStatus = "created"
	StatusPending IntentStatus = "pending"
	StatusSettled IntentStatus = "settled"
	StatusExpired IntentStatus = "expired"
)

const intentPrefix = "settlement/intent/"

// PaymentIntent records a pending request to convert external payment into a
// ledger credit.
type PaymentIntent struct {
	IntentID        string       `json:"intentId"`
	ParcelID        string       `json:"parcelId,omitempty"`
	BuyerAddr       string       `json:"buyerAddr"`
	Currency        string       `json:"currency"`
	RequestedAmount uint64       `json:"requestedAmount"`
	CreditAmount    uint64       `json:"creditAmount"`
	Status          IntentStatus `json:"status"`
	CreatedAt       time.Time    `json:"createdAt"`
	SettledAt       *time.Time   `json:"settledAt,omitempty"`
	SessionURL      string       `json:"sessionUrl,omitempty"`
}

// MarketHook is invoked after successful settlement so the listing catalog
// can mark the purchased parcel sold. A nil hook is fine.
type MarketHook interface {
	ParcelSettled(parcelID, buyerAddr string) error
}

// Gateway creates payment intents and applies webhook-driven settlement.
type Gateway struct {
	mu sync.Mutex

	store  *ledger.Store
	db     storage.Database
	market MarketHook
	logger *slog.Logger

	expiry time.Duration
	// landPerUSDCent converts the requested amount (USD cents) into the LAND
	// credit granted at settlement.
	landPerUSDCent uint64

	nowFn func() time.Time
}

func NewGateway(store *ledger.Store, db storage.Database, market MarketHook, expiry time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}
	return &Gateway{
		store:          store,
		db:             db,
		market:         market,
		logger:         logger.With(slog.String("component", "settlement")),
		expiry:         expiry,
		landPerUSDCent: 1,
		nowFn:          time.Now,
	}
}

// CreateIntent opens a payment intent for the given buyer. The returned
// intent carries an opaque session reference; in a real deployment that is
// the external processor's checkout session.
func (g *Gateway) CreateIntent(buyerAddr, parcelID string, usdAmount uint64) (*PaymentIntent, error) {
	if strings.TrimSpace(buyerAddr) == "" {
		return nil, fmt.Errorf("%w: buyer address required", ErrInvalidIntent)
	}
	if usdAmount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}

	id := "pi_" + uuid.NewString()
	intent := &PaymentIntent{
		IntentID:        id,
		ParcelID:        strings.TrimSpace(parcelID),
		BuyerAddr:       strings.TrimSpace(buyerAddr),
		Currency:        ledger.CurrencyCASH,
		RequestedAmount: usdAmount,
		CreditAmount:    usdAmount * g.landPerUSDCent,
		Status:          StatusCreated,
		CreatedAt:       g.nowFn(),
		SessionURL:      "https://checkout.visionmesh.net/session/" + uuid.NewString(),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.persist(intent); err != nil {
		return nil, err
	}
	g.logger.Info("Payment intent created",
		slog.String("intent", id),
		slog.String("buyer", intent.BuyerAddr),
		slog.Uint64("usdAmount", usdAmount))
	return intent, nil
}

// Settle transitions a created/pending intent to settled and credits the
// buyer's LAND balance through the ledger, keyed by the intent ID so
// repeated settlement calls have no additional effect. The context bounds
// the operation; no ledger lock is held across any external wait.
func (g *Gateway) Settle(ctx context.Context, intentID string) (*PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	intent, err := g.load(intentID)
	if err != nil {
		return nil, err
	}

	switch intent.Status {
	case StatusSettled:
		return intent, ErrAlreadySettled
	case StatusExpired:
		return intent, ErrIntentExpired
	case StatusCreated, StatusPending:
	default:
		return nil, fmt.Errorf("settlement: intent %s in unknown state %q", intentID, intent.Status)
	}

	now := g.nowFn()
	if now.Sub(intent.CreatedAt) > g.expiry {
		intent.Status = StatusExpired
		if err := g.persist(intent); err != nil {
			return nil, err
		}
		return intent, ErrIntentExpired
	}

	// The intent ID doubles as the ledger idempotency key, so a webhook
	// retry that races a manual trigger still credits exactly once.
	_, err = g.store.Apply(ledger.Transaction{
		IdempotencyKey: intent.IntentID,
		Pending:        true,
		Ops: []ledger.Op{{
			Account:  intent.BuyerAddr,
			Currency: ledger.CurrencyLAND,
			Delta:    int64(intent.CreditAmount),
		}},
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		return nil, fmt.Errorf("settlement: credit buyer: %w", err)
	}

	intent.Status = StatusSettled
	intent.SettledAt = &now
	if err := g.persist(intent); err != nil {
		return nil, err
	}

	if g.market != nil && intent.ParcelID != "" {
		if err := g.market.ParcelSettled(intent.ParcelID, intent.BuyerAddr); err != nil {
			g.logger.Warn("Listing update after settlement failed",
				slog.String("intent", intent.IntentID),
				slog.String("parcel", intent.ParcelID),
				slog.Any("error", err))
		}
	}

	g.logger.Info("Payment intent settled",
		slog.String("intent", intent.IntentID),
		slog.String("buyer", intent.BuyerAddr),
		slog.Uint64("credited", intent.CreditAmount))
	return intent, nil
}

// Intent returns the stored intent record.
func (g *Gateway) Intent(intentID string) (*PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.load(intentID)
}

// ExpireStale walks stored intents and marks those past the expiry window
// with no settlement as expired. Returns the number transitioned.
func (g *Gateway) ExpireStale() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	expired := 0
	var sweepErr error
	err := g.db.Iterate([]byte(intentPrefix), func(key, value []byte) bool {
		var intent PaymentIntent
		if err := json.Unmarshal(value, &intent); err != nil {
			return true
		}
		if intent.Status != StatusCreated && intent.Status != StatusPending {
			return true
		}
		if now.Sub(intent.CreatedAt) <= g.expiry {
			return true
		}
		intent.Status = StatusExpired
		if err := g.persist(&intent); err != nil {
			sweepErr = err
			return false
		}
		expired++
		return true
	})
	if err != nil {
		return expired, err
	}
	return expired, sweepErr
}

// RunExpiry sweeps stale intents on an interval until ctx is cancelled.
func (g *Gateway) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := g.ExpireStale(); err != nil {
				g.logger.Warn("Intent expiry sweep failed", slog.Any("error", err))
			} else if n > 0 {
				g.logger.Info("Expired stale payment intents", slog.Int("count", n))
			}
		}
	}
}

func (g *Gateway) load(intentID string) (*PaymentIntent, error) {
	raw, err := g.db.Get([]byte(intentPrefix + intentID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	var intent PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("settlement: corrupt intent record %s: %w", intentID, err)
	}
	return &intent, nil
}

func (g *Gateway) persist(intent *PaymentIntent) error {
	raw, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	return g.db.Put([]byte(intentPrefix+intent.IntentID), raw)
}
