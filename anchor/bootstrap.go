package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"visionnode/ledger"
)

const bootstrapTimeout = 10 * time.Second

// GenesisAnchor returns the built-in height-zero anchor used when no anchor
// seeds are configured. Every node on a network must share the same genesis
// or handshakes will reject the mismatch.
func GenesisAnchor(networkName string) Anchor {
	genesis := Anchor{
		Height:     0,
		ParentHash: "",
		Timestamp:  0,
		Txs:        []ledger.Transaction{},
	}
	// The network name is folded in through the parent-hash slot so distinct
	// networks get distinct genesis identities.
	genesis.ParentHash = "genesis:" + strings.TrimSpace(networkName)
	hash, err := genesis.ComputeHash()
	if err != nil {
		panic(err)
	}
	genesis.Hash = hash
	return genesis
}

// FetchBootstrapAnchors retrieves a genesis chain prefix from the configured
// anchor-seed URLs. Each URL must serve a JSON array of anchors starting at
// height zero. The first seed that responds with a valid chain wins; if none
// do, the caller falls back to the built-in genesis.
func FetchBootstrapAnchors(ctx context.Context, urls []string) ([]Anchor, error) {
	client := &http.Client{Timeout: bootstrapTimeout}
	var lastErr error
	for _, rawURL := range urls {
		trimmed := strings.TrimSpace(rawURL)
		if trimmed == "" {
			continue
		}
		anchors, err := fetchAnchorList(ctx, client, trimmed)
		if err != nil {
			lastErr = err
			continue
		}
		if err := validateBootstrapChain(anchors); err != nil {
			lastErr = fmt.Errorf("anchor seed %s: %w", trimmed, err)
			continue
		}
		return anchors, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("anchor: no usable anchor seeds")
	}
	return nil, lastErr
}

func fetchAnchorList(ctx context.Context, client *http.Client, url string) ([]Anchor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anchor seed %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anchor seed %s: status %d", url, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var anchors []Anchor
	if err := json.Unmarshal(raw, &anchors); err != nil {
		return nil, fmt.Errorf("anchor seed %s: decode: %w", url, err)
	}
	return anchors, nil
}

func validateBootstrapChain(anchors []Anchor) error {
	if len(anchors) == 0 {
		return fmt.Errorf("empty anchor list")
	}
	if anchors[0].Height != 0 {
		return fmt.Errorf("bootstrap chain must start at genesis")
	}
	for i, a := range anchors {
		if uint64(i) != a.Height {
			return fmt.Errorf("height gap at index %d", i)
		}
		if err := a.Verify(); err != nil {
			return fmt.Errorf("height %d: %w", a.Height, err)
		}
		if i > 0 && a.ParentHash != anchors[i-1].Hash {
			return fmt.Errorf("height %d: broken parent linkage", a.Height)
		}
	}
	return nil
}
