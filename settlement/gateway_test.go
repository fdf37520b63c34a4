package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"visionnode/ledger"
	"visionnode/storage"
)

type recordingHook struct {
	parcels []string
	buyers  []string
	err     error
}

func (h *recordingHook) ParcelSettled(parcelID, buyerAddr string) error {
	h.parcels = append(h.parcels, parcelID)
	h.buyers = append(h.buyers, buyerAddr)
	return h.err
}

func newTestGateway(t *testing.T) (*Gateway, *ledger.Store, *recordingHook) {
	t.Helper()
	db := storage.NewMemDB()
	store := ledger.NewStore(db)
	hook := &recordingHook{}
	return NewGateway(store, db, hook, 30*time.Minute, nil), store, hook
}

func TestCreateIntentValidation(t *testing.T) {
	g, _, _ := newTestGateway(t)

	if _, err := g.CreateIntent("", "P1", 1000); !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("expected invalid intent for empty buyer, got %v", err)
	}
	if _, err := g.CreateIntent("vsn1buyer", "P1", 0); !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("expected invalid intent for zero amount, got %v", err)
	}

	intent, err := g.CreateIntent("vsn1buyer", "P1", 1000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if intent.Status != StatusCreated {
		t.Fatalf("expected created status, got %s", intent.Status)
	}
	if intent.SessionURL == "" || intent.IntentID == "" {
		t.Fatalf("intent missing session reference: %+v", intent)
	}
	if intent.CreditAmount != 1000 {
		t.Fatalf("expected 1000 LAND credit for 1000 cents, got %d", intent.CreditAmount)
	}
}

func TestSettleCreditsExactlyOnce(t *testing.T) {
	g, store, hook := newTestGateway(t)

	intent, err := g.CreateIntent("vsn1buyer", "P1", 1000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	settled, err := g.Settle(context.Background(), intent.IntentID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != StatusSettled || settled.SettledAt == nil {
		t.Fatalf("expected settled intent, got %+v", settled)
	}

	balances, err := store.Balances("vsn1buyer")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if balances[ledger.CurrencyLAND].Available != 1000 {
		t.Fatalf("expected 1000 LAND credited, got %d", balances[ledger.CurrencyLAND].Available)
	}
	if len(hook.parcels) != 1 || hook.parcels[0] != "P1" {
		t.Fatalf("market hook not invoked: %+v", hook.parcels)
	}

	// A webhook retry returns the settled record without a second credit.
	again, err := g.Settle(context.Background(), intent.IntentID)
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected already settled, got %v", err)
	}
	if again == nil || again.Status != StatusSettled {
		t.Fatalf("retry should return the prior settled intent, got %+v", again)
	}
	balances, _ = store.Balances("vsn1buyer")
	if balances[ledger.CurrencyLAND].Available != 1000 {
		t.Fatalf("retry double-credited: %d", balances[ledger.CurrencyLAND].Available)
	}
	if len(hook.parcels) != 1 {
		t.Fatalf("market hook invoked again on retry")
	}
}

func TestSettleUnknownIntent(t *testing.T) {
	g, _, _ := newTestGateway(t)
	if _, err := g.Settle(context.Background(), "pi_missing"); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSettleExpiredIntent(t *testing.T) {
	g, store, _ := newTestGateway(t)

	now := time.Now()
	g.nowFn = func() time.Time { return now }
	intent, err := g.CreateIntent("vsn1buyer", "", 500)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	g.nowFn = func() time.Time { return now.Add(31 * time.Minute) }
	got, err := g.Settle(context.Background(), intent.IntentID)
	if !errors.Is(err, ErrIntentExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("intent not marked expired: %s", got.Status)
	}

	balances, _ := store.Balances("vsn1buyer")
	if balances[ledger.CurrencyLAND].Available != 0 {
		t.Fatalf("expired intent credited funds: %d", balances[ledger.CurrencyLAND].Available)
	}

	// Late settlement after expiry keeps failing.
	if _, err := g.Settle(context.Background(), intent.IntentID); !errors.Is(err, ErrIntentExpired) {
		t.Fatalf("expected expired on retry, got %v", err)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	g, _, _ := newTestGateway(t)

	now := time.Now()
	g.nowFn = func() time.Time { return now }

	stale, err := g.CreateIntent("vsn1old", "", 100)
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	settledIntent, err := g.CreateIntent("vsn1done", "", 100)
	if err != nil {
		t.Fatalf("create settled: %v", err)
	}
	if _, err := g.Settle(context.Background(), settledIntent.IntentID); err != nil {
		t.Fatalf("settle: %v", err)
	}

	g.nowFn = func() time.Time { return now.Add(time.Hour) }
	fresh, err := g.CreateIntent("vsn1new", "", 100)
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	n, err := g.ExpireStale()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 intent expired, got %d", n)
	}

	got, _ := g.Intent(stale.IntentID)
	if got.Status != StatusExpired {
		t.Fatalf("stale intent not expired: %s", got.Status)
	}
	got, _ = g.Intent(settledIntent.IntentID)
	if got.Status != StatusSettled {
		t.Fatalf("sweep touched a settled intent: %s", got.Status)
	}
	got, _ = g.Intent(fresh.IntentID)
	if got.Status != StatusCreated {
		t.Fatalf("sweep touched a fresh intent: %s", got.Status)
	}
}

func TestSettleSurvivesMarketHookFailure(t *testing.T) {
	g, store, hook := newTestGateway(t)
	hook.err = errors.New("catalog offline")

	intent, err := g.CreateIntent("vsn1buyer", "P9", 200)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	settled, err := g.Settle(context.Background(), intent.IntentID)
	if err != nil {
		t.Fatalf("settle should tolerate hook failure: %v", err)
	}
	if settled.Status != StatusSettled {
		t.Fatalf("expected settled, got %s", settled.Status)
	}
	balances, _ := store.Balances("vsn1buyer")
	if balances[ledger.CurrencyLAND].Available != 200 {
		t.Fatalf("credit missing after hook failure: %d", balances[ledger.CurrencyLAND].Available)
	}
}
