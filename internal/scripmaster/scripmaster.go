// Package scripmaster provides read-only instrument metadata lookups: lot
// size, tick size, instrument class, and whether the venue permits MARKET
// orders for the instrument. The data is a snapshot loaded once at startup;
// refresh policy is a collaborator concern.
package scripmaster

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Instrument classes. Index options are the class where venues commonly
// forbid MARKET orders.
const (
	ClassEquity      = "EQ"
	ClassFuture      = "FUT"
	ClassIndexOption = "OPTIDX"
	ClassStockOption = "OPTSTK"
)

// Instrument is the metadata returned for one (exchange, symbol).
type Instrument struct {
	Exchange         string
	Symbol           string
	Underlying       string
	LotSize          int
	TickSize         float64
	Class            string
	MarketAllowed    bool
	LimitOffsetTicks int       // aggressive offset used when MARKET is converted to LIMIT
	Expiry           time.Time // zero for non-derivatives
}

// Client serves lookups from a loaded snapshot. Unknown instruments fall back
// to configured defaults so plain equity symbols need no enumeration.
type Client struct {
	instruments map[string]Instrument
	defaults    Instrument
}

// Defaults configures the fallback for instruments absent from the snapshot.
type Defaults struct {
	LotSize  int
	TickSize float64
}

const defaultLimitOffsetTicks = 10

// New builds a client over an explicit instrument list.
func New(instruments []Instrument, d Defaults) *Client {
	if d.LotSize <= 0 {
		d.LotSize = 1
	}
	if d.TickSize <= 0 {
		d.TickSize = 0.05
	}
	c := &Client{
		instruments: make(map[string]Instrument, len(instruments)),
		defaults: Instrument{
			LotSize:          d.LotSize,
			TickSize:         d.TickSize,
			Class:            ClassEquity,
			MarketAllowed:    true,
			LimitOffsetTicks: defaultLimitOffsetTicks,
		},
	}
	for _, inst := range instruments {
		if inst.LimitOffsetTicks <= 0 {
			inst.LimitOffsetTicks = defaultLimitOffsetTicks
		}
		c.instruments[key(inst.Exchange, inst.Symbol)] = inst
	}
	return c
}

// LoadCSV builds a client from a snapshot file with the header
// exchange,symbol,underlying,lot_size,tick_size,class,market_allowed,expiry.
// An empty path yields a defaults-only client.
func LoadCSV(path string, d Defaults) (*Client, error) {
	if path == "" {
		return New(nil, d), nil
	}
	f, err := os.Open(path) // #nosec G304 -- operator-provided snapshot path
	if err != nil {
		return nil, fmt.Errorf("open scrip master: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var instruments []Instrument
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read scrip master: %w", err)
		}
		line++
		if line == 1 && strings.EqualFold(record[0], "exchange") {
			continue // header
		}
		if len(record) < 7 {
			return nil, fmt.Errorf("scrip master line %d: want 7+ fields, got %d", line, len(record))
		}
		lot, err := strconv.Atoi(strings.TrimSpace(record[3]))
		if err != nil || lot <= 0 {
			return nil, fmt.Errorf("scrip master line %d: bad lot_size %q", line, record[3])
		}
		tick, err := strconv.ParseFloat(strings.TrimSpace(record[4]), 64)
		if err != nil || tick <= 0 {
			return nil, fmt.Errorf("scrip master line %d: bad tick_size %q", line, record[4])
		}
		inst := Instrument{
			Exchange:      strings.ToUpper(strings.TrimSpace(record[0])),
			Symbol:        strings.ToUpper(strings.TrimSpace(record[1])),
			Underlying:    strings.ToUpper(strings.TrimSpace(record[2])),
			LotSize:       lot,
			TickSize:      tick,
			Class:         strings.ToUpper(strings.TrimSpace(record[5])),
			MarketAllowed: parseBool(record[6]),
		}
		if len(record) > 7 && strings.TrimSpace(record[7]) != "" {
			expiry, err := time.Parse("2006-01-02", strings.TrimSpace(record[7]))
			if err != nil {
				return nil, fmt.Errorf("scrip master line %d: bad expiry %q", line, record[7])
			}
			inst.Expiry = expiry
		}
		instruments = append(instruments, inst)
	}
	return New(instruments, d), nil
}

// Lookup returns metadata for (exchange, symbol), falling back to defaults
// when the snapshot has no row. The bool reports whether the row was listed.
func (c *Client) Lookup(exchange, symbol string) (Instrument, bool) {
	inst, ok := c.instruments[key(exchange, symbol)]
	if !ok {
		inst = c.defaults
		inst.Exchange = strings.ToUpper(exchange)
		inst.Symbol = strings.ToUpper(symbol)
	}
	return inst, ok
}

// Expiries returns upcoming expiry dates (today or later) for one underlying
// on one exchange, ascending and de-duplicated.
func (c *Client) Expiries(exchange, underlying string, now time.Time) []time.Time {
	today := now.UTC().Truncate(24 * time.Hour)
	seen := make(map[time.Time]bool)
	var out []time.Time
	for _, inst := range c.instruments {
		if inst.Exchange != strings.ToUpper(exchange) || inst.Underlying != strings.ToUpper(underlying) {
			continue
		}
		if inst.Expiry.IsZero() || inst.Expiry.Before(today) || seen[inst.Expiry] {
			continue
		}
		seen[inst.Expiry] = true
		out = append(out, inst.Expiry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func key(exchange, symbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	}
	return false
}
