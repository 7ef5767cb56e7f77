package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"options-core/internal/advice"
	"options-core/internal/api"
	"options-core/internal/broker"
	"options-core/internal/dedupe"
	"options-core/internal/engine"
	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/internal/risk"
	"options-core/pkg/config"
	"options-core/pkg/db"
	"options-core/pkg/instanceid"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	params, err := config.LoadParams(cfg.ParamsPath)
	if err != nil {
		log.Fatalf("params load failed: %v", err)
	}
	params.Risk.BlockedSymbols = append(params.Risk.BlockedSymbols, cfg.BlockedSymbols...)

	log.Printf("options-core %s starting on port %s (paper=%v mock_feed=%v)",
		buildVersion, cfg.Port, cfg.PaperTrading, cfg.UseMockFeed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	store, err := dedupe.NewSQLite(database.DB)
	if err != nil {
		log.Fatalf("dedupe store init failed: %v", err)
	}

	// Market data. Only the mock feed ships with this build; a live feed
	// plugs in behind the same reader interfaces.
	feed := market.NewMock(time.Now().UnixNano())
	if !cfg.UseMockFeed {
		log.Printf("warning: no live feed configured, falling back to mock")
	}

	if !cfg.PaperTrading {
		log.Printf("warning: live order routing not configured, forcing paper broker")
	}
	orderClient := broker.NewPaper()

	governor := risk.NewGovernor(risk.Config{
		Params:    params.Risk,
		Store:     store,
		Quotes:    feed,
		Portfolio: feed,
		Database:  database,
		Bus:       bus,
	})
	if governor.Summary().DayStartEquity == 0 {
		governor.SetDayStartEquity(cfg.StartEquity)
	}

	adviceOpts := advice.DefaultOptions()
	adviceOpts.Windows = params.Windows
	advices := advice.NewService(database, store, orderClient, governor, bus, adviceOpts)

	// Fresh-leg generation after rotation exits: buy the current ATM strike
	// when the directional signal is strong enough. The creation dedupe
	// keeps repeated triggers from stacking entries.
	signalGen := func(ctx context.Context) error {
		underlying := params.Rotation.RollUnderlying
		strike, err := feed.ATMStrike(ctx, underlying)
		if err != nil {
			return fmt.Errorf("atm strike: %w", err)
		}
		dir, err := feed.Direction(ctx, underlying)
		if err != nil {
			return fmt.Errorf("direction: %w", err)
		}
		if dir < params.Rotation.DirectionFlipMin && dir > -params.Rotation.DirectionFlipMin {
			return nil // no conviction, stay flat
		}
		opt := "CE"
		if dir < 0 {
			opt = "PE"
		}
		symbol := fmt.Sprintf("%s%.0f%s", underlying, strike, opt)
		_, err = advices.Create(ctx, advice.Draft{
			InstrumentKey: "NSE_FO|" + symbol,
			Symbol:        symbol,
			Side:          string(broker.SideBuy),
			OrderType:     string(broker.TypeMarket),
			Qty:           params.Rotation.RollQty,
			Reason:        fmt.Sprintf("roll ttl=%d", params.Rotation.DefaultExitTTLMin),
		})
		if err != nil && !errors.Is(err, advice.ErrDuplicate) {
			return err
		}
		return nil
	}

	rotator := engine.NewRotator(params.Rotation, advices, orderClient, feed, feed, governor, bus, signalGen)

	engCfg := engine.Config{
		TickInterval:      time.Duration(cfg.TickIntervalSec) * time.Second,
		ReconcileInterval: time.Duration(cfg.ReconcileIntervalSec) * time.Second,
		ScanLimit:         cfg.ScanLimit,
		MaxExecPerTick:    cfg.MaxExecPerTick,
	}
	eng := engine.New(engCfg, advices, governor, feed, rotator, bus, database, instanceid.Get())

	if cfg.AutoStartEngine {
		if err := eng.Start(ctx); err != nil {
			log.Fatalf("engine start failed: %v", err)
		}
	}

	// Housekeeping: expired dedupe rows accumulate between restarts.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, 30*time.Second)
				if n, err := store.Sweep(sweepCtx); err != nil {
					log.Printf("dedupe sweep failed: %v", err)
				} else if n > 0 {
					log.Printf("dedupe sweep removed %d expired rows", n)
				}
				sweepCancel()
			}
		}
	}()

	// API
	server := api.NewServer(
		bus,
		advices,
		eng,
		governor,
		params.Risk,
		api.OperatorAuth{Username: cfg.OperatorUser, PassHash: cfg.OperatorPassHash},
		cfg.JWTSecret,
		cfg.APIRateLimit,
		api.SystemMeta{
			PaperTrading: cfg.PaperTrading,
			UseMockFeed:  cfg.UseMockFeed,
			InstanceID:   instanceid.Get(),
			Version:      buildVersion,
		},
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down")
	eng.Stop()
}
