// Package market holds the read-mostly land-listing catalog served to
// marketplace clients.
package market

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"visionnode/storage"
)

var (
	ErrListingNotFound = errors.New("market: listing not found")
	ErrInvalidListing  = errors.New("market: invalid listing")
)

// ListingStatus enumerates the listing lifecycle.
type ListingStatus string

const (
	ListingActive ListingStatus = "active"
	ListingSold   ListingStatus = "sold"
)

const listingPrefix = "market/listing/"

// Listing is one parcel offered for sale.
type Listing struct {
	ID        string        `json:"id"`
	ParcelID  string        `json:"parcelId"`
	Seller    string        `json:"seller"`
	Currency  string        `json:"currency"`
	Price     uint64        `json:"price"`
	Status    ListingStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	Buyer     string        `json:"buyer,omitempty"`
}

// Catalog is a storage-backed listing registry. Reads dominate; writes pass
// through a single mutex.
type Catalog struct {
	mu sync.RWMutex
	db storage.Database
}

func NewCatalog(db storage.Database) *Catalog {
	return &Catalog{db: db}
}

// Put inserts or replaces a listing.
func (c *Catalog) Put(listing Listing) error {
	if strings.TrimSpace(listing.ID) == "" || strings.TrimSpace(listing.ParcelID) == "" {
		return fmt.Errorf("%w: id and parcelId required", ErrInvalidListing)
	}
	if listing.Status == "" {
		listing.Status = ListingActive
	}
	if listing.CreatedAt.IsZero() {
		listing.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(listing)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Put([]byte(listingPrefix+listing.ID), raw)
}

// Get returns the listing with the given identifier.
func (c *Catalog) Get(id string) (*Listing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.load(id)
}

// All returns every listing ordered by identifier.
func (c *Catalog) All() ([]Listing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Listing, 0)
	err := c.db.Iterate([]byte(listingPrefix), func(key, value []byte) bool {
		var listing Listing
		if err := json.Unmarshal(value, &listing); err != nil {
			return true
		}
		out = append(out, listing)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ParcelSettled marks the active listing for a parcel sold. Implements the
// settlement gateway's market hook. A parcel without a listing is not an
// error; intents can reference unlisted parcels.
func (c *Catalog) ParcelSettled(parcelID, buyerAddr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var target *Listing
	err := c.db.Iterate([]byte(listingPrefix), func(key, value []byte) bool {
		var listing Listing
		if err := json.Unmarshal(value, &listing); err != nil {
			return true
		}
		if listing.ParcelID == parcelID && listing.Status == ListingActive {
			target = &listing
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	target.Status = ListingSold
	target.Buyer = buyerAddr
	raw, err := json.Marshal(target)
	if err != nil {
		return err
	}
	return c.db.Put([]byte(listingPrefix+target.ID), raw)
}

func (c *Catalog) load(id string) (*Listing, error) {
	raw, err := c.db.Get([]byte(listingPrefix + id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	var listing Listing
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("market: corrupt listing record %s: %w", id, err)
	}
	return &listing, nil
}
