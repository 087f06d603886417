package mock

import (
	"math"
	"testing"

	"github.com/quantbrew/ordercore/internal/models"
)

func TestLTPStableAndPinned(t *testing.T) {
	m := NewMarket(42, nil)

	first := m.LTP("NIFTY24000CE")
	second := m.LTP("NIFTY24000CE")
	if first != second {
		t.Errorf("price must be stable between reads: %f vs %f", first, second)
	}

	m.SetLTP("NIFTY24000CE", 105.5)
	if got := m.LTP("NIFTY24000CE"); got != 105.5 {
		t.Errorf("pinned price lost: %f", got)
	}
}

func TestTickMovesPrices(t *testing.T) {
	m := NewMarket(7, nil)
	before := m.LTP("NIFTY")
	moved := false
	for i := 0; i < 10; i++ {
		m.Tick()
		if m.LTP("NIFTY") != before {
			moved = true
			break
		}
	}
	if !moved {
		t.Error("tick never moved the spot")
	}
}

func TestDeltaSigns(t *testing.T) {
	m := NewMarket(1, nil)
	m.SetLTP("NIFTY", 24000)

	if d := m.Delta("NIFTY24000CE"); d <= 0 {
		t.Errorf("ATM call delta must be positive, got %f", d)
	}
	if d := m.Delta("NIFTY24000PE"); d >= 0 {
		t.Errorf("ATM put delta must be negative, got %f", d)
	}
	// OTM decays away from 0.5.
	atm := math.Abs(m.Delta("NIFTY24000CE"))
	otm := math.Abs(m.Delta("NIFTY24500CE"))
	if otm >= atm {
		t.Errorf("OTM delta %f not below ATM %f", otm, atm)
	}

	m.SetDelta("NIFTY24000CE", 0.42)
	if d := m.Delta("NIFTY24000CE"); d != 0.42 {
		t.Errorf("pinned delta lost: %f", d)
	}
}

func TestSelectByDelta(t *testing.T) {
	m := NewMarket(3, nil)
	m.SetLTP("NIFTY", 24000)

	symbol, delta, ltp, err := m.SelectByDelta("NFO", "NIFTY", models.LegCE, 0.30)
	if err != nil {
		t.Fatalf("SelectByDelta: %v", err)
	}
	if symbol == "" || ltp <= 0 {
		t.Fatalf("bad selection: %s @ %f", symbol, ltp)
	}
	if math.Abs(math.Abs(delta)-0.30) > 0.06 {
		t.Errorf("delta %f too far from 0.30", delta)
	}

	_, pd, _, err := m.SelectByDelta("NFO", "NIFTY", models.LegPE, 0.30)
	if err != nil {
		t.Fatalf("SelectByDelta PE: %v", err)
	}
	if pd >= 0 {
		t.Errorf("put selection must carry negative delta, got %f", pd)
	}

	if _, _, _, err := m.SelectByDelta("NFO", "UNKNOWN", models.LegCE, 0.30); err == nil {
		t.Error("unknown underlying must fail")
	}
}
