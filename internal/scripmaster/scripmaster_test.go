package scripmaster

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testClient() *Client {
	return New([]Instrument{
		{Exchange: "NFO", Symbol: "NIFTY24000CE", Underlying: "NIFTY", LotSize: 50,
			TickSize: 0.05, Class: ClassIndexOption, MarketAllowed: false,
			Expiry: time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)},
		{Exchange: "NFO", Symbol: "NIFTY23800PE", Underlying: "NIFTY", LotSize: 50,
			TickSize: 0.05, Class: ClassIndexOption, MarketAllowed: false,
			Expiry: time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC)},
	}, Defaults{LotSize: 1, TickSize: 0.05})
}

func TestLookup(t *testing.T) {
	c := testClient()

	inst, listed := c.Lookup("NFO", "NIFTY24000CE")
	if !listed {
		t.Fatal("expected listed instrument")
	}
	if inst.LotSize != 50 || inst.MarketAllowed {
		t.Errorf("unexpected instrument: %+v", inst)
	}
	if inst.LimitOffsetTicks <= 0 {
		t.Error("limit offset must default positive")
	}

	// Case-insensitive keys.
	if _, listed := c.Lookup("nfo", "nifty24000ce"); !listed {
		t.Error("lookup should be case-insensitive")
	}

	// Unknown symbols fall back to defaults with MARKET allowed.
	inst, listed = c.Lookup("NSE", "RELIANCE")
	if listed {
		t.Error("unexpected listed row for RELIANCE")
	}
	if inst.LotSize != 1 || !inst.MarketAllowed {
		t.Errorf("unexpected fallback: %+v", inst)
	}
}

func TestExpiries(t *testing.T) {
	c := testClient()
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	exp := c.Expiries("NFO", "NIFTY", now)
	if len(exp) != 2 {
		t.Fatalf("expected 2 expiries, got %d", len(exp))
	}
	if !exp[0].Before(exp[1]) {
		t.Error("expiries must ascend")
	}

	// Past expiries drop out.
	later := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if got := c.Expiries("NFO", "NIFTY", later); len(got) != 1 {
		t.Errorf("expected 1 remaining expiry, got %d", len(got))
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scrips.csv")
	data := "exchange,symbol,underlying,lot_size,tick_size,class,market_allowed,expiry\n" +
		"NFO,BANKNIFTY51000CE,BANKNIFTY,15,0.05,OPTIDX,false,2026-08-27\n" +
		"NSE,SBIN,SBIN,1,0.05,EQ,true,\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCSV(path, Defaults{})
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	inst, listed := c.Lookup("NFO", "BANKNIFTY51000CE")
	if !listed || inst.LotSize != 15 || inst.MarketAllowed {
		t.Errorf("unexpected instrument: %+v, listed=%v", inst, listed)
	}
	if inst.Expiry.IsZero() {
		t.Error("expiry not parsed")
	}
	if _, listed := c.Lookup("NSE", "SBIN"); !listed {
		t.Error("equity row not loaded")
	}

	// Empty path yields defaults-only client.
	c, err = LoadCSV("", Defaults{LotSize: 25})
	if err != nil {
		t.Fatalf("LoadCSV empty: %v", err)
	}
	if inst, _ := c.Lookup("NFO", "ANY"); inst.LotSize != 25 {
		t.Errorf("defaults not applied: %+v", inst)
	}
}
