// orders_report - verification utility reading the order ledger directly.
// Prints counts by status and recent failures, or one full record by
// command id.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/quantbrew/ordercore/internal/config"
	"github.com/quantbrew/ordercore/internal/models"
	"github.com/quantbrew/ordercore/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		commandID  = flag.String("id", "", "Inspect a single order by command id")
		status     = flag.String("status", "", "List orders in one status (CREATED|SENT_TO_BROKER|EXECUTED|FAILED)")
		limit      = flag.Int("limit", 20, "Max rows to list")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open storage at %s: %v", cfg.Storage.Path, err)
	}
	defer func() { _ = store.Close() }()

	clientID := cfg.Environment.ClientID

	if *commandID != "" {
		rec, err := store.GetOrderByCommandID(*commandID)
		if err != nil {
			log.Fatalf("Lookup failed: %v", err)
		}
		printRecord(rec)
		return
	}

	if *status != "" {
		st := models.OrderStatus(*status)
		if !st.Valid() {
			log.Fatalf("Unknown status %q", *status)
		}
		rows, err := store.ListOrdersByStatus(clientID, st, *limit)
		if err != nil {
			log.Fatalf("List failed: %v", err)
		}
		fmt.Printf("%d orders in %s (newest first):\n", len(rows), st)
		for i := range rows {
			printLine(&rows[i])
		}
		return
	}

	counts, err := store.CountOrdersByStatus(clientID)
	if err != nil {
		log.Fatalf("Count failed: %v", err)
	}
	total := 0
	fmt.Printf("Order counts for %s:\n", clientID)
	for _, st := range []models.OrderStatus{
		models.StatusCreated, models.StatusSentToBroker, models.StatusExecuted, models.StatusFailed,
	} {
		fmt.Printf("  %-15s %d\n", st, counts[st])
		total += counts[st]
	}
	fmt.Printf("  %-15s %d\n", "TOTAL", total)

	failed, err := store.ListOrdersByStatus(clientID, models.StatusFailed, *limit)
	if err != nil {
		log.Fatalf("List failed: %v", err)
	}
	if len(failed) > 0 {
		fmt.Printf("\nRecent failures:\n")
		for i := range failed {
			printLine(&failed[i])
		}
	}
}

func printLine(rec *models.OrderRecord) {
	tag := rec.Tag
	if tag == "" {
		tag = "-"
	}
	fmt.Printf("  %s  %-5s %-6s %-4s %5d  %-15s tag=%s\n",
		rec.CommandID, rec.ExecutionType, rec.Symbol, rec.Side, rec.Quantity, rec.Status, tag)
}

func printRecord(rec *models.OrderRecord) {
	fmt.Printf("Command:        %s\n", rec.CommandID)
	fmt.Printf("Broker order:   %s\n", rec.BrokerOrderID)
	fmt.Printf("Type/Status:    %s / %s\n", rec.ExecutionType, rec.Status)
	fmt.Printf("Instrument:     %s %s %s x%d (%s %s)\n",
		rec.Exchange, rec.Symbol, rec.Side, rec.Quantity, rec.Product, rec.OrderType)
	fmt.Printf("Price/Trigger:  %.2f / %.2f\n", rec.Price, rec.TriggerPrice)
	fmt.Printf("Fill:           %d @ %.2f\n", rec.FilledQty, rec.AvgFillPrice)
	fmt.Printf("Strategy:       %s (source %s)\n", rec.StrategyName, rec.Source)
	fmt.Printf("Tag:            %s\n", rec.Tag)
	fmt.Printf("Created:        %s\n", rec.CreatedAt)
	fmt.Printf("Updated:        %s\n", rec.UpdatedAt)
}
