// Package mock provides a deterministic simulated market: spot and option
// quotes, a synthetic option chain with approximate deltas, and the option
// selection used by rolls and hedges. It backs the paper broker and the
// adjustment engine in paper mode.
package mock

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/quantbrew/ordercore/internal/models"
)

// Underlying describes one simulated index/stock.
type Underlying struct {
	Name       string
	Exchange   string // derivatives exchange, e.g. NFO
	Spot       float64
	StrikeStep float64
	LotSize    int
}

// DefaultUnderlyings seed the simulator with the two common index chains.
var DefaultUnderlyings = []Underlying{
	{Name: "NIFTY", Exchange: "NFO", Spot: 24000, StrikeStep: 50, LotSize: 50},
	{Name: "BANKNIFTY", Exchange: "NFO", Spot: 51000, StrikeStep: 100, LotSize: 15},
}

// Market simulates quotes. Prices follow a small seeded random walk so runs
// are reproducible; tests can pin prices with SetLTP/SetDelta.
type Market struct {
	mu          sync.Mutex
	rng         *rand.Rand
	underlyings map[string]Underlying
	ltp         map[string]float64 // symbol -> pinned or walked price
	deltas      map[string]float64 // option symbol -> pinned delta
}

// NewMarket builds a simulator with a fixed seed.
func NewMarket(seed int64, underlyings []Underlying) *Market {
	if len(underlyings) == 0 {
		underlyings = DefaultUnderlyings
	}
	m := &Market{
		rng:         rand.New(rand.NewSource(seed)), // #nosec G404 -- simulation, not crypto
		underlyings: make(map[string]Underlying, len(underlyings)),
		ltp:         make(map[string]float64),
		deltas:      make(map[string]float64),
	}
	for _, u := range underlyings {
		m.underlyings[strings.ToUpper(u.Name)] = u
		m.ltp[strings.ToUpper(u.Name)] = u.Spot
	}
	return m
}

// LTP returns the last traded price for a symbol, synthesizing a stable base
// price for symbols never seen before.
func (m *Market) LTP(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ltpLocked(strings.ToUpper(symbol))
}

func (m *Market) ltpLocked(symbol string) float64 {
	if price, ok := m.ltp[symbol]; ok {
		return price
	}
	price := m.basePrice(symbol)
	m.ltp[symbol] = price
	return price
}

// Tick advances every tracked price by one small random step.
func (m *Market) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for symbol, price := range m.ltp {
		step := (m.rng.Float64() - 0.5) * 0.004 * price
		next := price + step
		if next < 0.05 {
			next = 0.05
		}
		m.ltp[symbol] = next
	}
}

// SetLTP pins a price (test and paper-fill hook).
func (m *Market) SetLTP(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ltp[strings.ToUpper(symbol)] = price
}

// Delta returns an option's delta: pinned if set, otherwise derived from
// moneyness against the underlying spot.
func (m *Market) Delta(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := strings.ToUpper(symbol)
	if d, ok := m.deltas[sym]; ok {
		return d
	}
	u, strike, kind, ok := m.parseOption(sym)
	if !ok {
		return 0
	}
	return m.moneynessDelta(u, strike, kind)
}

// SetDelta pins an option delta (test hook).
func (m *Market) SetDelta(symbol string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas[strings.ToUpper(symbol)] = delta
}

// SelectByDelta picks the chain option of the given kind closest to the
// target absolute delta. Returns its symbol, signed delta and premium. This
// is the option-selection collaborator behind rolls and hedges.
func (m *Market) SelectByDelta(exchange, underlying string, kind models.LegKind, targetDelta float64) (string, float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.underlyings[strings.ToUpper(underlying)]
	if !ok {
		return "", 0, 0, fmt.Errorf("unknown underlying %q", underlying)
	}
	spot := m.ltpLocked(strings.ToUpper(u.Name))

	bestSymbol := ""
	bestDelta := 0.0
	bestDiff := math.MaxFloat64
	// 20 strikes either side of spot is plenty for delta targets in (0, 0.5].
	atm := math.Round(spot/u.StrikeStep) * u.StrikeStep
	for i := -20; i <= 20; i++ {
		strike := atm + float64(i)*u.StrikeStep
		if strike <= 0 {
			continue
		}
		symbol := optionSymbol(u.Name, strike, kind)
		delta := m.moneynessDelta(u, strike, kind)
		diff := math.Abs(math.Abs(delta) - targetDelta)
		if diff < bestDiff {
			bestDiff = diff
			bestSymbol = symbol
			bestDelta = delta
		}
	}
	if bestSymbol == "" {
		return "", 0, 0, fmt.Errorf("no option near delta %.2f for %s", targetDelta, underlying)
	}
	return bestSymbol, bestDelta, m.ltpLocked(bestSymbol), nil
}

// moneynessDelta approximates delta from strike distance: ATM is 0.5 and the
// delta decays linearly over ten strike steps. Calls carry positive delta,
// puts negative.
func (m *Market) moneynessDelta(u Underlying, strike float64, kind models.LegKind) float64 {
	spot := m.ltpLocked(strings.ToUpper(u.Name))
	span := 10 * u.StrikeStep
	var d float64
	if kind == models.LegCE {
		d = 0.5 + (spot-strike)/(2*span)
	} else {
		d = -(0.5 + (strike-spot)/(2*span))
	}
	return clampDelta(d)
}

func clampDelta(d float64) float64 {
	if d > 0.99 {
		return 0.99
	}
	if d < -0.99 {
		return -0.99
	}
	if d > 0 && d < 0.01 {
		return 0.01
	}
	if d < 0 && d > -0.01 {
		return -0.01
	}
	return d
}

// basePrice derives a stable starting price from the symbol itself, so an
// unseen option symbol quotes consistently across the process.
func (m *Market) basePrice(symbol string) float64 {
	if u, strike, kind, ok := m.parseOption(symbol); ok {
		spot := m.ltpLocked(strings.ToUpper(u.Name))
		// Rough option premium: intrinsic plus a distance-decayed time value.
		var intrinsic float64
		if kind == models.LegCE {
			intrinsic = math.Max(0, spot-strike)
		} else {
			intrinsic = math.Max(0, strike-spot)
		}
		timeValue := 120 * math.Exp(-math.Abs(spot-strike)/(4*u.StrikeStep))
		price := intrinsic + timeValue
		if price < 0.05 {
			price = 0.05
		}
		return price
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return 100 + float64(h.Sum32()%9000)/10
}

// parseOption splits symbols shaped like NIFTY24000CE into underlying,
// strike and kind.
func (m *Market) parseOption(symbol string) (Underlying, float64, models.LegKind, bool) {
	var kind models.LegKind
	var body string
	switch {
	case strings.HasSuffix(symbol, "CE"):
		kind = models.LegCE
		body = strings.TrimSuffix(symbol, "CE")
	case strings.HasSuffix(symbol, "PE"):
		kind = models.LegPE
		body = strings.TrimSuffix(symbol, "PE")
	default:
		return Underlying{}, 0, "", false
	}
	for name, u := range m.underlyings {
		if strings.HasPrefix(body, name) {
			var strike float64
			if _, err := fmt.Sscanf(body[len(name):], "%f", &strike); err != nil || strike <= 0 {
				return Underlying{}, 0, "", false
			}
			return u, strike, kind, true
		}
	}
	return Underlying{}, 0, "", false
}

func optionSymbol(underlying string, strike float64, kind models.LegKind) string {
	return fmt.Sprintf("%s%d%s", strings.ToUpper(underlying), int(strike), string(kind))
}
