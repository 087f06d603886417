// Command omc runs the order management core: command gateway, intent
// consumers, order watcher, risk gate, adjustment engines and the ops API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantbrew/ordercore/internal/bot"
	"github.com/quantbrew/ordercore/internal/broker"
	"github.com/quantbrew/ordercore/internal/config"
	"github.com/quantbrew/ordercore/internal/mock"
	"github.com/quantbrew/ordercore/internal/scripmaster"
	"github.com/quantbrew/ordercore/internal/storage"
)

func main() {
	var (
		configPath string
		forcePaper bool
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&forcePaper, "paper", false, "Force paper trading regardless of config")
	flag.StringVar(&logLevel, "log-level", "", "Override configured log level")
	flag.Parse()

	// Secrets come from the environment; config values reference them with
	// ${VAR} expansion.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if forcePaper {
		cfg.Environment.Mode = "paper"
	}
	if logLevel != "" {
		cfg.Environment.LogLevel = logLevel
	}

	logger := log.New(os.Stdout, "[OMC] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting order management core (client %s, %s mode)",
		cfg.Environment.ClientID, cfg.Environment.Mode)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real orders will be placed")
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Printf("closing storage: %v", closeErr)
		}
	}()

	scrips, err := scripmaster.LoadCSV(cfg.ScripMaster.Path, scripmaster.Defaults{
		LotSize:  cfg.ScripMaster.DefaultLotSize,
		TickSize: cfg.ScripMaster.DefaultTickSize,
	})
	if err != nil {
		logger.Fatalf("Failed to load script master: %v", err)
	}

	// The simulated market backs the paper broker and, in both modes, the
	// delta-based option selection behind strategy entries and rolls.
	market := mock.NewMarket(time.Now().UnixNano(), nil)

	var brk broker.Broker
	if cfg.IsPaperTrading() {
		brk = broker.NewPaperBroker(market)
	} else {
		rest := broker.NewRESTBroker(cfg.Broker.BaseURL, cfg.Broker.APIToken, cfg.BrokerTimeout())
		brk = broker.NewCircuitBreakerBroker(rest, logger)
	}

	core, err := bot.New(cfg, store, brk, scrips, market, logger)
	if err != nil {
		logger.Fatalf("Failed to assemble core: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping core...")
		core.Stop()
		cancel()
	}()

	if err := core.Start(ctx); err != nil {
		logger.Fatalf("Startup failed: %v", err)
	}
	if err := core.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatalf("Core error: %v", err)
	}

	logger.Println("Core stopped")
}
