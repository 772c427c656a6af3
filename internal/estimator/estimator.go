// Package estimator prices generation batches. Everything here is pure:
// no I/O, no clocks, no shared state.
package estimator

import (
	"math"

	"boardgen/internal/store"
)

// CreditsPerUSD converts a monetary cost into ledger credits (1 credit = 1 cent).
const CreditsPerUSD = 100

// Prices are the unit prices of the external operations, in USD.
type Prices struct {
	Selection   float64
	MainContent float64
	RoomProfile float64
	Image       float64
}

var tierPrices = map[store.PriceTier]Prices{
	store.PriceTierStandard: {
		Selection:   0.002,
		MainContent: 0.01,
		RoomProfile: 0.004,
		Image:       0.04,
	},
	store.PriceTierPremium: {
		Selection:   0.004,
		MainContent: 0.03,
		RoomProfile: 0.008,
		Image:       0.08,
	},
}

// PricesFor returns the price table of a tier. Unknown tiers use standard prices.
func PricesFor(tier store.PriceTier) Prices {
	if p, ok := tierPrices[tier]; ok {
		return p
	}
	return tierPrices[store.PriceTierStandard]
}

// Cost is a priced estimate or actual.
type Cost struct {
	Units          int     `json:"units"`
	TextCost       float64 `json:"textCost"`
	ImageCost      float64 `json:"imageCost"`
	Total          float64 `json:"total"`
	Credits        int64   `json:"credits"`
	PerUnitCredits int64   `json:"perUnitCredits"`
}

// UnitCalls returns the external calls one unit makes under cfg.
func UnitCalls(cfg store.BatchConfig) store.CallCounts {
	cfg = cfg.WithDefaults()
	calls := store.CallCounts{Selection: 1, MainContent: 1}
	if cfg.GenerateRoomProfiles {
		calls.RoomProfile = len(cfg.Rooms)
	}
	if cfg.GenerateImages {
		calls.Images = ImagesPerUnit(cfg)
	}
	return calls
}

// ImagesPerUnit is the number of image slots of one unit: one shot per room,
// the material and texture shots, one composite and one anchor.
func ImagesPerUnit(cfg store.BatchConfig) int {
	cfg = cfg.WithDefaults()
	return len(cfg.Rooms) + cfg.MaterialShots + cfg.TextureShots + 2
}

// Estimate prices units work units processed under cfg.
func Estimate(cfg store.BatchConfig, units int) Cost {
	if units < 0 {
		units = 0
	}
	per := price(PricesFor(cfg.PriceTier), UnitCalls(cfg))
	perUnitCredits := toCredits(per.Total)

	return Cost{
		Units:          units,
		TextCost:       per.TextCost * float64(units),
		ImageCost:      per.ImageCost * float64(units),
		Total:          per.Total * float64(units),
		Credits:        perUnitCredits * int64(units),
		PerUnitCredits: perUnitCredits,
	}
}

// UnitCredits is the number of credits deducted before one unit runs.
func UnitCredits(cfg store.BatchConfig) int64 {
	return Estimate(cfg, 1).PerUnitCredits
}

// Actual prices the calls observed during a run.
func Actual(tier store.PriceTier, calls store.CallCounts) Cost {
	c := price(PricesFor(tier), calls)
	c.Credits = toCredits(c.Total)
	return c
}

func price(p Prices, calls store.CallCounts) Cost {
	text := float64(calls.Selection)*p.Selection +
		float64(calls.MainContent)*p.MainContent +
		float64(calls.RoomProfile)*p.RoomProfile
	image := float64(calls.Images) * p.Image
	return Cost{
		TextCost:  text,
		ImageCost: image,
		Total:     text + image,
	}
}

// toCredits rounds up; the epsilon absorbs float noise such as 0.07*100 = 7.000000000000001.
func toCredits(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	return int64(math.Ceil(usd*CreditsPerUSD - 1e-9))
}
