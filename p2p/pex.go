package p2p

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
)

const pexShareLimit = 32

type seedEndpoint struct {
	Address    string
	SeedOrigin bool
}

// parseSeedList normalizes a configured host:port seed list, dropping
// malformed or duplicate entries.
func parseSeedList(values []string, logger *slog.Logger) []seedEndpoint {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]seedEndpoint, 0, len(values))
	seen := make(map[string]struct{})
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(trimmed); err != nil {
			logger.Warn("Ignoring invalid seed address", slog.String("seed", trimmed), slog.Any("error", err))
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, seedEndpoint{Address: trimmed, SeedOrigin: true})
	}
	return out
}

// seedFileEntry is the on-disk format of a seed-peers file: a JSON array of
// {"addr": "host:port"} objects.
type seedFileEntry struct {
	Addr   string `json:"addr"`
	NodeID string `json:"nodeID,omitempty"`
}

// loadSeedFile reads additional seed endpoints from a JSON file. A missing
// file is not an error; the configured seeds still apply.
func loadSeedFile(path string, logger *slog.Logger) ([]seedEndpoint, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	var entries []seedFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		addrs = append(addrs, e.Addr)
	}
	return parseSeedList(addrs, logger), nil
}

// handlePexRequest answers a peer-exchange request with a bounded sample of
// recently seen dialable addresses.
func (s *Server) handlePexRequest(peer *Peer, req *Message) {
	var payload PexRequestPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return
		}
	}
	limit := payload.Limit
	if limit <= 0 || limit > pexShareLimit {
		limit = pexShareLimit
	}

	addresses := make([]PexAddress, 0, limit)
	for _, rec := range s.Peers() {
		if rec.PeerID == peer.id || rec.AdvertisedAddr == "" {
			continue
		}
		addresses = append(addresses, PexAddress{
			Addr:     rec.AdvertisedAddr,
			NodeID:   rec.PeerID,
			LastSeen: rec.LastSeen,
		})
		if len(addresses) >= limit {
			break
		}
	}

	reply, err := NewMessage(MsgTypePexAddresses, PexAddressesPayload{Addresses: addresses})
	if err != nil {
		return
	}
	reply.RequestID = req.RequestID
	_ = peer.Enqueue(reply)
}

// handlePexAddresses folds learned addresses into the peerstore so the dial
// loop can grow the mesh beyond the seed list.
func (s *Server) handlePexAddresses(msg *Message) {
	var payload PexAddressesPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	for _, addr := range payload.Addresses {
		trimmed := strings.TrimSpace(addr.Addr)
		if trimmed == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(trimmed); err != nil {
			continue
		}
		if s.peerstore != nil {
			_ = s.peerstore.Put(PeerstoreEntry{
				Addr:     trimmed,
				NodeID:   addr.NodeID,
				LastSeen: addr.LastSeen,
			})
		}
	}
}
