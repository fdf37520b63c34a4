package market

import (
	"errors"
	"testing"

	"visionnode/ledger"
	"visionnode/storage"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	return NewCatalog(storage.NewMemDB())
}

func TestPutAndGet(t *testing.T) {
	c := newTestCatalog(t)

	if err := c.Put(Listing{ID: "", ParcelID: "P1"}); !errors.Is(err, ErrInvalidListing) {
		t.Fatalf("expected invalid listing for empty id, got %v", err)
	}
	if err := c.Put(Listing{ID: "L1", ParcelID: ""}); !errors.Is(err, ErrInvalidListing) {
		t.Fatalf("expected invalid listing for empty parcel, got %v", err)
	}

	listing := Listing{ID: "L1", ParcelID: "P1", Seller: "vsn1seller", Currency: ledger.CurrencyLAND, Price: 500}
	if err := c.Put(listing); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := c.Get("L1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ListingActive {
		t.Fatalf("expected defaulted active status, got %s", got.Status)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("expected defaulted creation time")
	}

	if _, err := c.Get("L404"); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAllSortedByID(t *testing.T) {
	c := newTestCatalog(t)
	for _, id := range []string{"L3", "L1", "L2"} {
		if err := c.Put(Listing{ID: id, ParcelID: "parcel-" + id, Price: 100}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	all, err := c.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 listings, got %d", len(all))
	}
	for i, want := range []string{"L1", "L2", "L3"} {
		if all[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, all[i].ID)
		}
	}
}

func TestParcelSettledMarksSold(t *testing.T) {
	c := newTestCatalog(t)
	if err := c.Put(Listing{ID: "L1", ParcelID: "P1", Price: 500}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := c.ParcelSettled("P1", "vsn1buyer"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, err := c.Get("L1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ListingSold || got.Buyer != "vsn1buyer" {
		t.Fatalf("listing not marked sold: %+v", got)
	}

	// Settling a parcel that was never listed is fine.
	if err := c.ParcelSettled("P-unlisted", "vsn1buyer"); err != nil {
		t.Fatalf("unlisted parcel should not error: %v", err)
	}

	// A second settlement finds no active listing and leaves the record alone.
	if err := c.ParcelSettled("P1", "vsn1other"); err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	got, _ = c.Get("L1")
	if got.Buyer != "vsn1buyer" {
		t.Fatalf("sold listing reassigned to %s", got.Buyer)
	}
}
