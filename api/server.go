// Package api is the HTTP control surface consumed by wallet and marketplace
// clients. It is a thin façade: request validation and routing only, no
// business logic.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"visionnode/crypto"
	"visionnode/health"
	"visionnode/ledger"
	"visionnode/market"
	"visionnode/settlement"
)

const maxRequestBytes = 1 << 20 // 1 MiB

// Server routes control-API requests onto the node's components.
type Server struct {
	ledger   *ledger.Store
	catalog  *market.Catalog
	gateway  *settlement.Gateway
	monitor  *health.Monitor
	logger   *slog.Logger
	allowSim bool
}

func NewServer(store *ledger.Store, catalog *market.Catalog, gateway *settlement.Gateway, monitor *health.Monitor, allowSimulatedWebhooks bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		ledger:   store,
		catalog:  catalog,
		gateway:  gateway,
		monitor:  monitor,
		logger:   logger.With(slog.String("component", "api")),
		allowSim: allowSimulatedWebhooks,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/land", func(lr chi.Router) {
		lr.Get("/listings", s.handleListings)
		lr.Get("/listings/{id}", s.handleListing)
	})

	r.Route("/cash", func(cr chi.Router) {
		cr.Post("/buy_intent", s.handleBuyIntent)
		cr.Post("/simulate_webhook", s.handleSimulateWebhook)
	})

	r.Route("/ledger", func(br chi.Router) {
		br.Get("/balances/{addr}", s.handleBalances)
	})

	return r
}

// Start begins serving on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("Control API listening", slog.String("address", addr))
	return srv.ListenAndServe()
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return false
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request: %v", err))
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.monitor.Current()
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.catalog.All()
	if err != nil {
		s.logger.Error("Listing scan failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "listing catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	listing, err := s.catalog.Get(id)
	if errors.Is(err, market.ErrListingNotFound) {
		writeError(w, http.StatusNotFound, "listing not found")
		return
	}
	if err != nil {
		s.logger.Error("Listing lookup failed", slog.String("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "listing catalog unavailable")
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	if _, err := crypto.DecodeAddress(addr); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid address: %v", err))
		return
	}
	balances, err := s.ledger.Balances(addr)
	if err != nil {
		s.logger.Error("Balance read failed", slog.String("addr", addr), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

type buyIntentRequest struct {
	BuyerAddr string `json:"buyer_addr"`
	ParcelID  string `json:"parcel_id,omitempty"`
	USDAmount uint64 `json:"usd_amount"`
}

type buyIntentResponse struct {
	SessionURL string `json:"session_url,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

func (s *Server) handleBuyIntent(w http.ResponseWriter, r *http.Request) {
	var req buyIntentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, err := crypto.DecodeAddress(req.BuyerAddr); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid buyer_addr: %v", err))
		return
	}
	intent, err := s.gateway.CreateIntent(req.BuyerAddr, req.ParcelID, req.USDAmount)
	if errors.Is(err, settlement.ErrInvalidIntent) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Intent creation failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "intent creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, buyIntentResponse{
		SessionURL: intent.SessionURL,
		SessionID:  intent.IntentID,
	})
}

type simulateWebhookRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleSimulateWebhook(w http.ResponseWriter, r *http.Request) {
	// Development-only path; hidden entirely in production deployments.
	if !s.allowSim {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var req simulateWebhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}

	intent, err := s.gateway.Settle(r.Context(), req.ID)
	switch {
	case errors.Is(err, settlement.ErrAlreadySettled):
		// Non-fatal: report the prior result.
		writeJSON(w, http.StatusOK, intent)
	case errors.Is(err, settlement.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, "intent not found")
	case errors.Is(err, settlement.ErrIntentExpired):
		writeError(w, http.StatusGone, "intent expired")
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case err != nil:
		s.logger.Error("Settlement failed", slog.String("intent", req.ID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "settlement failed")
	default:
		writeJSON(w, http.StatusOK, intent)
	}
}
