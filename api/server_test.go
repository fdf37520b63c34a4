package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"visionnode/anchor"
	"visionnode/crypto"
	"visionnode/health"
	"visionnode/ledger"
	"visionnode/market"
	"visionnode/settlement"
	"visionnode/storage"
)

type fixedMesh struct{ peers int }

func (m fixedMesh) LivePeerCount() int { return m.peers }

type fixedSync struct{}

func (fixedSync) State() (anchor.State, time.Time) { return anchor.StateSynced, time.Now() }
func (fixedSync) TipHeight() uint64                { return 42 }

type fixture struct {
	server  *Server
	store   *ledger.Store
	catalog *market.Catalog
	gateway *settlement.Gateway
}

func newFixture(t *testing.T, allowSim bool) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	store := ledger.NewStore(db)
	catalog := market.NewCatalog(db)
	gateway := settlement.NewGateway(store, db, catalog, 30*time.Minute, nil)
	monitor := health.NewMonitor(fixedMesh{peers: 5}, fixedSync{}, 3, 2*time.Minute, 10*time.Second)
	return &fixture{
		server:  NewServer(store, catalog, gateway, monitor, allowSim, nil),
		store:   store,
		catalog: catalog,
		gateway: gateway,
	}
}

func testAddr(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.PubKey().Address().String()
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStatusRoute(t *testing.T) {
	f := newFixture(t, false)
	rec := doRequest(t, f.server.Router(), http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var snapshot health.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.Status != health.StatusUp || snapshot.TipHeight != 42 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestListingRoutes(t *testing.T) {
	f := newFixture(t, false)
	if err := f.catalog.Put(market.Listing{ID: "L1", ParcelID: "P1", Price: 500, Currency: ledger.CurrencyLAND}); err != nil {
		t.Fatalf("seed listing: %v", err)
	}

	rec := doRequest(t, f.server.Router(), http.MethodGet, "/land/listings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("listings status %d", rec.Code)
	}
	var listings []market.Listing
	if err := json.Unmarshal(rec.Body.Bytes(), &listings); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listings) != 1 || listings[0].ID != "L1" {
		t.Fatalf("unexpected listings: %+v", listings)
	}

	rec = doRequest(t, f.server.Router(), http.MethodGet, "/land/listings/L1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("listing status %d", rec.Code)
	}
	rec = doRequest(t, f.server.Router(), http.MethodGet, "/land/listings/L404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing listing status %d", rec.Code)
	}
}

func TestBalancesRoute(t *testing.T) {
	f := newFixture(t, false)
	addr := testAddr(t)

	if _, err := f.store.Apply(ledger.Transaction{
		IdempotencyKey: "seed",
		Ops:            []ledger.Op{{Account: addr, Currency: ledger.CurrencyGAME, Delta: 75}},
	}); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	rec := doRequest(t, f.server.Router(), http.MethodGet, "/ledger/balances/"+addr, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("balances status %d: %s", rec.Code, rec.Body.String())
	}
	var balances map[string]ledger.Balance
	if err := json.Unmarshal(rec.Body.Bytes(), &balances); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if balances[ledger.CurrencyGAME].Available != 75 {
		t.Fatalf("unexpected balances: %+v", balances)
	}

	rec = doRequest(t, f.server.Router(), http.MethodGet, "/ledger/balances/not-an-address", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid address status %d", rec.Code)
	}
}

func TestBuyIntentRoute(t *testing.T) {
	f := newFixture(t, false)
	addr := testAddr(t)

	rec := doRequest(t, f.server.Router(), http.MethodPost, "/cash/buy_intent",
		`{"buyer_addr":"`+addr+`","parcel_id":"P1","usd_amount":1000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("buy intent status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionURL string `json:"session_url"`
		SessionID  string `json:"session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" || resp.SessionURL == "" {
		t.Fatalf("response missing session fields: %+v", resp)
	}

	// Bad address, zero amount, and unknown fields are all client errors.
	rec = doRequest(t, f.server.Router(), http.MethodPost, "/cash/buy_intent",
		`{"buyer_addr":"garbage","usd_amount":1000}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address status %d", rec.Code)
	}
	rec = doRequest(t, f.server.Router(), http.MethodPost, "/cash/buy_intent",
		`{"buyer_addr":"`+addr+`","usd_amount":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero amount status %d", rec.Code)
	}
	rec = doRequest(t, f.server.Router(), http.MethodPost, "/cash/buy_intent",
		`{"buyer_addr":"`+addr+`","usd_amount":10,"surprise":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status %d", rec.Code)
	}
	rec = doRequest(t, f.server.Router(), http.MethodPost, "/cash/buy_intent", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status %d", rec.Code)
	}
}

func TestSimulateWebhookHiddenWhenDisabled(t *testing.T) {
	f := newFixture(t, false)
	rec := doRequest(t, f.server.Router(), http.MethodPost, "/cash/simulate_webhook", `{"id":"pi_x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with simulation disabled, got %d", rec.Code)
	}
}

func TestSimulateWebhookSettlesIntent(t *testing.T) {
	f := newFixture(t, true)
	addr := testAddr(t)

	if err := f.catalog.Put(market.Listing{ID: "L1", ParcelID: "P1", Price: 1000}); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	intent, err := f.gateway.CreateIntent(addr, "P1", 1000)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	rec := doRequest(t, f.server.Router(), http.MethodPost, "/cash/simulate_webhook",
		`{"id":"`+intent.IntentID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("settle status %d: %s", rec.Code, rec.Body.String())
	}

	balances, _ := f.store.Balances(addr)
	if balances[ledger.CurrencyLAND].Available != 1000 {
		t.Fatalf("expected 1000 LAND after settlement, got %d", balances[ledger.CurrencyLAND].Available)
	}
	listing, _ := f.catalog.Get("L1")
	if listing.Status != market.ListingSold || listing.Buyer != addr {
		t.Fatalf("listing not sold to buyer: %+v", listing)
	}

	// Replay returns 200 with the prior settled record, no extra credit.
	rec = doRequest(t, f.server.Router(), http.MethodPost, "/cash/simulate_webhook",
		`{"id":"`+intent.IntentID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status %d", rec.Code)
	}
	balances, _ = f.store.Balances(addr)
	if balances[ledger.CurrencyLAND].Available != 1000 {
		t.Fatalf("replay double-credited: %d", balances[ledger.CurrencyLAND].Available)
	}

	rec = doRequest(t, f.server.Router(), http.MethodPost, "/cash/simulate_webhook", `{"id":"pi_unknown"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown intent status %d", rec.Code)
	}
	rec = doRequest(t, f.server.Router(), http.MethodPost, "/cash/simulate_webhook", `{"id":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty id status %d", rec.Code)
	}
}
