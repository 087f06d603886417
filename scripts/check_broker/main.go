// check_broker - connectivity probe for the configured broker: order book,
// positions and one LTP fetch.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/config"
	"github.com/quantbrew/ordercore/internal/mock"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		paper      = flag.Bool("paper", false, "Probe the paper broker instead of the configured one")
		exchange   = flag.String("exchange", "NSE", "Exchange for the LTP probe")
		symbol     = flag.String("symbol", "NIFTY", "Symbol for the LTP probe")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var brk broker.Broker
	if *paper || cfg.IsPaperTrading() {
		fmt.Println("Probing paper broker (simulated market)")
		brk = broker.NewPaperBroker(mock.NewMarket(time.Now().UnixNano(), nil))
	} else {
		fmt.Printf("Probing %s\n", cfg.Broker.BaseURL)
		brk = broker.NewRESTBroker(cfg.Broker.BaseURL, cfg.Broker.APIToken, cfg.BrokerTimeout())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	book, err := brk.GetOrderBook(ctx)
	if err != nil {
		log.Fatalf("Order book fetch failed: %v", err)
	}
	fmt.Printf("Order book: %d orders\n", len(book))
	for i := range book {
		o := &book[i]
		fmt.Printf("  %s  %-6s %-4s %5d  %-10s filled %d @ %.2f\n",
			o.BrokerOrderID, o.Symbol, o.Side, o.Quantity, o.Status, o.FilledQty, o.AvgPrice)
	}

	positions, err := brk.GetPositions(ctx)
	if err != nil {
		log.Fatalf("Positions fetch failed: %v", err)
	}
	fmt.Printf("Positions: %d\n", len(positions))
	for i := range positions {
		p := &positions[i]
		fmt.Printf("  %-6s %-5s net %6d @ %.2f\n", p.Symbol, p.Product, p.NetQty, p.AvgPrice)
	}

	ltp, err := brk.GetLTP(ctx, *exchange, *symbol)
	if err != nil {
		log.Fatalf("LTP fetch failed for %s:%s: %v", *exchange, *symbol, err)
	}
	fmt.Printf("LTP %s:%s = %.2f\n", *exchange, *symbol, ltp)

	fmt.Println("Broker connectivity OK")
}
