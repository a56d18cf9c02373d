// FILE: live.go
// Package main – Live supervisor: one trader goroutine per symbol.
//
// runLive drives the bot in real time:
//   • Print the safety banner for operators.
//   • Start one Trader per configured symbol through the Supervisor.
//   • Block until the context is cancelled (SIGINT/SIGTERM), then stop every
//     worker with STOP_MODE (keep by default) and wait for them.
//
// Notes:
//   - Workers share nothing mutable; each gets its own RetryGateway (and so
//     its own rate limiter) from the GatewayRegistry.
//   - A worker that exits on its own (cycle done, auth failure) stays in the
//     table so its last snapshot remains queryable; Start replaces it.
package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Supervisor is the Start/Stop control surface for live workers.
type Supervisor struct {
	ctx   context.Context
	reg   *GatewayRegistry
	store Store
	bus   *EventBus

	poll     time.Duration
	cooldown time.Duration

	mu      sync.Mutex
	workers map[string]*Trader
	wg      sync.WaitGroup
}

// NewSupervisor binds workers to ctx; cancelling it stops every worker with
// the keep policy. Use Stop/StopAll for a clean stop.
func NewSupervisor(ctx context.Context, reg *GatewayRegistry, store Store, bus *EventBus, poll, cooldown time.Duration) *Supervisor {
	return &Supervisor{
		ctx:      ctx,
		reg:      reg,
		store:    store,
		bus:      bus,
		poll:     poll,
		cooldown: cooldown,
		workers:  map[string]*Trader{},
	}
}

// Start launches a worker for cfg.Symbol.
func (s *Supervisor) Start(cfg StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("start %s: %w", cfg.Symbol, err)
	}
	sym := strings.ToUpper(cfg.Symbol)
	gw, err := s.reg.ForWorker(cfg.Exchange)
	if err != nil {
		return fmt.Errorf("start %s: %w", sym, err)
	}

	s.mu.Lock()
	if prev, ok := s.workers[sym]; ok {
		select {
		case <-prev.Done():
		default:
			s.mu.Unlock()
			return fmt.Errorf("start %s: worker already running", sym)
		}
	}
	tr := NewTrader(cfg, gw, TraderOptions{
		PollInterval:    s.poll,
		RestartCooldown: s.cooldown,
		Store:           s.store,
		Bus:             s.bus,
	})
	s.workers[sym] = tr
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := tr.Run(s.ctx); err != nil {
			log.Error().Str("symbol", sym).Err(err).Msg("[LIVE] worker exited with error")
		}
	}()
	return nil
}

func (s *Supervisor) worker(symbol string) (*Trader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.workers[strings.ToUpper(symbol)]
	return tr, ok
}

// Stop stops one worker and waits for it. Clean-stop failures are returned.
func (s *Supervisor) Stop(symbol string, mode StopMode) error {
	tr, ok := s.worker(symbol)
	if !ok {
		return fmt.Errorf("stop %s: no such worker", symbol)
	}
	tr.Stop(mode)
	return tr.Wait()
}

// StopAll stops every worker concurrently and joins their errors.
func (s *Supervisor) StopAll(mode StopMode) error {
	s.mu.Lock()
	all := make([]*Trader, 0, len(s.workers))
	for _, tr := range s.workers {
		all = append(all, tr)
	}
	s.mu.Unlock()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, tr := range all {
		g.Go(func() error {
			tr.Stop(mode)
			if err := tr.Wait(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Snapshot returns a copy of one symbol's position.
func (s *Supervisor) Snapshot(symbol string) (Position, bool) {
	tr, ok := s.worker(symbol)
	if !ok {
		return Position{}, false
	}
	return tr.Snapshot(), true
}

// Snapshots returns every known position ordered by symbol.
func (s *Supervisor) Snapshots() []Position {
	s.mu.Lock()
	out := make([]Position, 0, len(s.workers))
	for _, tr := range s.workers {
		out = append(out, tr.Snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Wait blocks until every started worker has returned.
func (s *Supervisor) Wait() { s.wg.Wait() }

// runLive starts every configured symbol and blocks until ctx is done.
func runLive(ctx context.Context, cfg Config, sup *Supervisor, mode StopMode) error {
	// Safety banner for operators
	log.Info().
		Str("exchange", cfg.Exchange).
		Bool("dry_run", cfg.DryRun).
		Strs("symbols", cfg.Symbols).
		Str("direction", string(cfg.Strategy.Direction)).
		Float64("margin", cfg.Strategy.MarginAmount).
		Int("leverage", cfg.Strategy.Leverage).
		Str("margin_mode", string(cfg.Strategy.MarginMode)).
		Float64("tp_pct", cfg.Strategy.TPPct).
		Float64("sl_pct", cfg.Strategy.SLPct).
		Bool("martingale", cfg.Strategy.Martingale).
		Int("ladder_steps", cfg.Strategy.LadderSteps).
		Float64("ladder_offset_pct", cfg.Strategy.LadderOffsetPct).
		Str("ladder_order_type", string(cfg.Strategy.LadderOrderType)).
		Bool("auto_restart", cfg.Strategy.AutoRestart).
		Msg("[SAFETY]")

	var errs []error
	for _, sym := range cfg.Symbols {
		if err := sup.Start(cfg.StrategyFor(sym)); err != nil {
			log.Error().Str("symbol", sym).Err(err).Msg("[BOOT] worker not started")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(cfg.Symbols) {
		return errors.Join(errs...)
	}

	idle := make(chan struct{})
	go func() { sup.Wait(); close(idle) }()
	select {
	case <-ctx.Done():
	case <-idle:
		log.Info().Msg("[LIVE] all workers finished")
		return nil
	}
	log.Info().Str("mode", string(mode)).Msg("[LIVE] shutdown")
	err := sup.StopAll(mode)
	sup.Wait()
	return err
}
