package registry

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Slot sizing.
const (
	SlotSize       = 10 * 1024
	MinPartialSlot = 1024
)

// Slot kinds, assigned by position in the site's slot list.
const (
	KindChat      = "chat"
	KindStorage   = "storage"
	KindCompute   = "compute"
	KindMetaverse = "metaverse"
)

// Slot is an allocatable unit of reclaimed space.
type Slot struct {
	ID           string          `json:"id"`
	OwnerSiteID  string          `json:"owner_site_id"`
	Index        int             `json:"index"`
	SizeBytes    int64           `json:"size_bytes"`
	Kind         string          `json:"kind"`
	Price        decimal.Decimal `json:"price"`
	Occupied     bool            `json:"occupied"`
	OccupantID   string          `json:"occupant_id,omitempty"`
	AllocationID string          `json:"allocation_id,omitempty"`
	ExpiresAt    int64           `json:"expires_at,omitempty"`
	Archived     bool            `json:"archived,omitempty"`
	// Orphaned marks an occupied slot kept after the site's reclaimed space
	// shrank below it.
	Orphaned     bool            `json:"orphaned,omitempty"`
}

// SlotID is the id of slot index of site.
func SlotID(siteID string, index int) string {
	return fmt.Sprintf("%s:%d", siteID, index)
}

// KindAt returns the kind of slot i out of n.
func KindAt(i, n int) string {
	if n <= 0 {
		return KindChat
	}
	r := float64(i) / float64(n)
	switch {
	case r < 0.3:
		return KindChat
	case r < 0.6:
		return KindStorage
	case r < 0.8:
		return KindCompute
	default:
		return KindMetaverse
	}
}

// SlotPrice is (size/1024) × (1 + seo/100).
func SlotPrice(size int64, seoScore int) decimal.Decimal {
	seo := decimal.NewFromInt(int64(clamp(seoScore, 0, 100))).Div(decimal.NewFromInt(100))
	return decimal.NewFromInt(size).Div(decimal.NewFromInt(1024)).
		Mul(decimal.NewFromInt(1).Add(seo)).Round(6)
}

// PlanSlots slices reclaimed bytes into 10 KiB slots. A trailing remainder
// becomes its own slot only when larger than 1 KiB, so the slot sizes never
// add up to more than reclaimed.
func PlanSlots(siteID string, reclaimed int64, seoScore int) []Slot {
	if reclaimed <= 0 {
		return nil
	}
	n := int(reclaimed / SlotSize)
	rem := reclaimed % SlotSize
	if rem > MinPartialSlot {
		n++
	}
	slots := make([]Slot, n)
	for i := range slots {
		size := int64(SlotSize)
		if int64(i+1)*SlotSize > reclaimed {
			size = rem
		}
		slots[i] = Slot{
			ID:          SlotID(siteID, i),
			OwnerSiteID: siteID,
			Index:       i,
			SizeBytes:   size,
			Kind:        KindAt(i, n),
			Price:       SlotPrice(size, seoScore),
		}
	}
	return slots
}
