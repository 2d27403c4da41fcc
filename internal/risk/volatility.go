package risk

import (
	"sync"
	"time"
)

// Volatility tiers scale the freeze/panic thresholds: choppier markets need a
// thicker safety cushion before the next averaging step.
const (
	factorLow    = 1.0
	factorMedium = 1.25
	factorHigh   = 1.5

	mediumRangePct = 0.01 // 1% realized range over the window
	highRangePct   = 0.03
)

const volWindow = 15 * time.Minute

type volSample struct {
	price float64
	at    time.Time
}

// Volatility tracks a rolling price range per symbol and maps the worst-case
// realized range across all symbols onto a discrete safety multiplier.
type Volatility struct {
	mu      sync.Mutex
	samples map[string][]volSample
}

func NewVolatility() *Volatility {
	return &Volatility{samples: make(map[string][]volSample)}
}

// Observe records a mark-price tick for the symbol.
func (v *Volatility) Observe(symbol string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	s := append(v.samples[symbol], volSample{price: price, at: at})
	cutoff := at.Add(-volWindow)
	for len(s) > 0 && s[0].at.Before(cutoff) {
		s = s[1:]
	}
	v.samples[symbol] = s
}

// Factor returns the account-wide safety multiplier: the worst (highest)
// per-symbol tier currently observed.
func (v *Volatility) Factor() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	factor := factorLow
	for _, s := range v.samples {
		if f := tierOf(rangePct(s)); f > factor {
			factor = f
		}
	}
	return factor
}

// rangePct is the high-low range of the window as a fraction of the last
// price, a cheap stand-in for average true range on mark-price ticks.
func rangePct(s []volSample) float64 {
	if len(s) < 2 {
		return 0
	}
	low, high := s[0].price, s[0].price
	for _, p := range s[1:] {
		if p.price < low {
			low = p.price
		}
		if p.price > high {
			high = p.price
		}
	}
	last := s[len(s)-1].price
	if last <= 0 {
		return 0
	}
	return (high - low) / last
}

func tierOf(r float64) float64 {
	switch {
	case r >= highRangePct:
		return factorHigh
	case r >= mediumRangePct:
		return factorMedium
	default:
		return factorLow
	}
}
