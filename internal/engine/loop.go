package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"options-core/internal/advice"
	"options-core/internal/broker"
	"options-core/internal/events"
	"options-core/internal/market"
	"options-core/internal/risk"
	"options-core/pkg/db"
)

// AdviceExecutor is the slice of the advice lifecycle the loop drives.
type AdviceExecutor interface {
	ListPending(ctx context.Context, limit int) ([]advice.Advice, error)
	ListByStatus(ctx context.Context, status advice.Status, limit int) ([]advice.Advice, error)
	Execute(ctx context.Context, id string) (*advice.Advice, error)
}

// TickGate is the slice of the risk governor the loop consults.
type TickGate interface {
	GlobalPreCheck(ctx context.Context) risk.Decision
	ObserveDayPnL(dayPnL float64)
	Reconcile(ctx context.Context)
}

// Engine is the tick loop. State transitions are {STOPPED, RUNNING} only;
// Start and Stop are idempotent.
type Engine struct {
	cfg        Config
	advices    AdviceExecutor
	gate       TickGate
	portfolio  market.PortfolioReader
	rotator    *Rotator
	bus        *events.Bus
	database   *db.Database // optional run audit
	instanceID string
	now        func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	runID   string
	state   State
}

// New creates an engine.
func New(cfg Config, advices AdviceExecutor, gate TickGate, portfolio market.PortfolioReader,
	rotator *Rotator, bus *events.Bus, database *db.Database, instanceID string) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 20
	}
	if cfg.MaxExecPerTick <= 0 {
		cfg.MaxExecPerTick = 3
	}
	return &Engine{
		cfg:        cfg,
		advices:    advices,
		gate:       gate,
		portfolio:  portfolio,
		rotator:    rotator,
		bus:        bus,
		database:   database,
		instanceID: instanceID,
		now:        time.Now,
		state:      State{InstanceID: instanceID},
	}
}

// SetClock overrides the engine clock; used by tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Start launches the tick loop. Starting a running engine is a no-op that
// reports success.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	now := e.now()
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	e.runID = uuid.NewString()
	e.state.Running = true
	e.state.StartedAt = &now
	e.state.Ticks = 0
	e.state.LastError = ""
	e.state.LastSkip = ""
	done := e.done
	runID := e.runID
	e.mu.Unlock()

	if e.database != nil {
		if err := e.database.CreateEngineRun(ctx, db.EngineRun{
			ID: runID, InstanceID: e.instanceID, StartedAt: now,
		}); err != nil {
			log.Printf("engine: run audit create failed: %v", err)
		}
	}

	if e.rotator != nil {
		e.recoverLegs(ctx)
	}

	go e.run(runCtx, done)
	log.Printf("engine: started run=%s instance=%s tick=%s", runID, e.instanceID, e.cfg.TickInterval)
	e.publishState()
	return nil
}

// Stop halts the loop and waits for the in-flight tick. Stopping a stopped
// engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done

	e.mu.Lock()
	e.running = false
	e.state.Running = false
	ticks := e.state.Ticks
	lastErr := e.state.LastError
	runID := e.runID
	e.mu.Unlock()

	if e.database != nil {
		ctx, cancelFin := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.database.FinishEngineRun(ctx, runID, ticks, lastErr); err != nil {
			log.Printf("engine: run audit finish failed: %v", err)
		}
		cancelFin()
	}

	log.Printf("engine: stopped run=%s after %d ticks", runID, ticks)
	e.publishState()
}

// Running reports whether the loop is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// StateSnapshot returns a copy of the observable state.
func (e *Engine) StateSnapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	s.AsOf = e.now()
	return s
}

// recoverLimit bounds the EXECUTED backlog scanned when rebuilding rotation
// state after a restart.
const recoverLimit = 200

// recoverLegs re-registers EXECUTED advices with the rotator so open legs
// survive a process restart with their triggers and exit plans intact.
func (e *Engine) recoverLegs(ctx context.Context) {
	rows, err := e.advices.ListByStatus(ctx, advice.StatusExecuted, recoverLimit)
	if err != nil {
		log.Printf("engine: leg recovery scan failed: %v", err)
		return
	}
	n := 0
	for i := range rows {
		if rows[i].Side != broker.SideBuy {
			continue
		}
		e.rotator.Register(ctx, &rows[i])
		n++
	}
	if n > 0 {
		log.Printf("engine: recovered %d executed legs", n)
	}
}

// run owns the tickers. A tick that overruns its period coalesces: the ticker
// channel holds at most one pending fire, so missed ticks are dropped rather
// than queued.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	reconcile := time.NewTicker(e.cfg.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		case <-reconcile.C:
			e.gate.Reconcile(ctx)
		}
	}
}

// Tick runs one loop iteration. Whatever happens inside, the tick counter and
// last-error fields are updated on the way out; ticks are never silently
// lost.
func (e *Engine) Tick(ctx context.Context) {
	started := e.now()
	var (
		executed int
		tickErr  error
		skip     string
	)
	defer func() {
		if rec := recover(); rec != nil {
			tickErr = fmt.Errorf("tick panic: %v", rec)
			log.Printf("engine: %v", tickErr)
		}
		e.mu.Lock()
		e.state.Ticks++
		e.state.LastTickAt = &started
		e.state.LastExecuted = executed
		e.state.LastSkip = skip
		if tickErr != nil {
			e.state.LastError = tickErr.Error()
		} else {
			e.state.LastError = ""
		}
		e.mu.Unlock()
		e.publishState()
	}()

	// Housekeeping is best-effort; a dead feed degrades, never aborts.
	if e.portfolio != nil {
		snapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		snap, err := e.portfolio.Snapshot(snapCtx)
		cancel()
		if err != nil {
			log.Printf("engine: portfolio refresh failed: %v", err)
		} else {
			e.gate.ObserveDayPnL(snap.DayPnL)
		}
	}

	if d := e.gate.GlobalPreCheck(ctx); !d.Allowed {
		skip = string(d.Reason)
		return
	}

	pending, err := e.advices.ListPending(ctx, e.cfg.ScanLimit)
	if err != nil {
		tickErr = fmt.Errorf("list pending: %w", err)
		return
	}

	for _, a := range pending {
		if executed >= e.cfg.MaxExecPerTick {
			break
		}
		res, err := e.advices.Execute(ctx, a.ID)
		if err != nil {
			// One bad advice never stops the rest of the pass.
			log.Printf("engine: execute %s: %v", a.ID, err)
			continue
		}
		if res.Status == advice.StatusExecuted {
			executed++
			if e.rotator != nil {
				e.rotator.Register(ctx, res)
			}
		}
	}

	if e.rotator != nil {
		e.rotator.Evaluate(ctx)
		e.rotator.ManagePlans(ctx)
	}
}

func (e *Engine) publishState() {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.TopicEngineState, e.StateSnapshot())
}
