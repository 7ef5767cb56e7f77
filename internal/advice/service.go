package advice

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"options-core/internal/broker"
	"options-core/internal/dedupe"
	"options-core/internal/events"
	"options-core/internal/risk"
	"options-core/pkg/db"
)

// Repo is the persistence contract the lifecycle needs. Single-document
// atomicity is the only guarantee assumed.
type Repo interface {
	SaveAdvice(ctx context.Context, a db.Advice) error
	GetAdvice(ctx context.Context, id string) (*db.Advice, error)
	ListPendingAdvices(ctx context.Context, limit int) ([]db.Advice, error)
	ListAdvicesByStatus(ctx context.Context, status string, limit int) ([]db.Advice, error)
}

// RiskGate is the slice of the risk governor the lifecycle consumes.
type RiskGate interface {
	CheckOrder(ctx context.Context, req broker.OrderRequest) (risk.Decision, error)
	NoteOrderPlaced(ctx context.Context)
	Tripped() bool
}

// EntryWindows are the time-of-day gates applied to BUY executions. Times are
// "HH:MM" in IST; empty values disable the corresponding gate.
type EntryWindows struct {
	SessionOpen     string `yaml:"session_open"`
	SessionClose    string `yaml:"session_close"`
	OpenBlackoutMin int    `yaml:"open_blackout_min"`
	MiddayPauseFrom string `yaml:"midday_pause_from"`
	MiddayPauseTo   string `yaml:"midday_pause_to"`
	LateEntryCutoff string `yaml:"late_entry_cutoff"`
}

// DefaultEntryWindows returns the standard NSE intraday entry windows.
func DefaultEntryWindows() EntryWindows {
	return EntryWindows{
		SessionOpen:     "09:15",
		SessionClose:    "15:30",
		OpenBlackoutMin: 5,
		MiddayPauseFrom: "12:00",
		MiddayPauseTo:   "13:00",
		LateEntryCutoff: "15:00",
	}
}

// Options configures a Service.
type Options struct {
	DedupeWindow  time.Duration // creation dedupe per (instrument, side)
	BrokerTimeout time.Duration
	Windows       EntryWindows
}

// DefaultOptions returns the standard lifecycle options.
func DefaultOptions() Options {
	return Options{
		DedupeWindow:  60 * time.Second,
		BrokerTimeout: 10 * time.Second,
		Windows:       DefaultEntryWindows(),
	}
}

// Service is the advice lifecycle. All status transitions flow through it.
type Service struct {
	repo   Repo
	store  dedupe.Store
	broker broker.Client
	gate   RiskGate
	bus    *events.Bus
	opts   Options

	killSwitch atomic.Bool
	now        func() time.Time
}

// NewService wires an advice lifecycle.
func NewService(repo Repo, store dedupe.Store, brokerClient broker.Client, gate RiskGate, bus *events.Bus, opts Options) *Service {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 60 * time.Second
	}
	if opts.BrokerTimeout <= 0 {
		opts.BrokerTimeout = 10 * time.Second
	}
	return &Service{
		repo:   repo,
		store:  store,
		broker: brokerClient,
		gate:   gate,
		bus:    bus,
		opts:   opts,
		now:    time.Now,
	}
}

// SetClock overrides the service clock; used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetKillSwitch flips the manual trading halt. When on, every BUY execution
// is denied; exits still flow.
func (s *Service) SetKillSwitch(on bool) {
	prev := s.killSwitch.Swap(on)
	if prev != on {
		log.Printf("advice: kill switch %v", on)
	}
}

// KillSwitch reports the current halt state.
func (s *Service) KillSwitch() bool { return s.killSwitch.Load() }

// Create validates a draft, applies the creation dedupe window, persists the
// advice as PENDING and publishes a creation event.
func (s *Service) Create(ctx context.Context, d Draft) (*Advice, error) {
	side, ok := broker.ParseSide(d.Side)
	if !ok {
		return nil, errInvalid("side must be BUY or SELL")
	}
	orderType, ok := broker.ParseOrderType(d.OrderType)
	if !ok {
		return nil, errInvalid("unknown order type")
	}

	now := s.now()
	a := &Advice{
		ID:            uuid.NewString(),
		InstrumentKey: d.InstrumentKey,
		Symbol:        d.Symbol,
		Side:          side,
		OrderType:     orderType,
		Qty:           d.Qty,
		LimitPrice:    d.LimitPrice,
		TriggerPrice:  d.TriggerPrice,
		Product:       broker.Product(d.Product),
		Validity:      broker.Validity(d.Validity),
		Status:        StatusPending,
		Reason:        d.Reason,
		CreatedAt:     &now,
		UpdatedAt:     &now,
	}
	if a.Product == "" {
		a.Product = broker.ProductIntraday
	}
	if a.Validity == "" {
		a.Validity = broker.ValidityDay
	}
	if err := a.validate(); err != nil {
		return nil, err
	}

	dedupeKey := "advice:create:" + a.InstrumentKey + ":" + string(a.Side)
	won, err := s.store.SetIfAbsent(ctx, dedupeKey, a.ID, s.opts.DedupeWindow)
	if err != nil {
		return nil, fmt.Errorf("creation dedupe: %w", err)
	}
	if !won {
		return nil, fmt.Errorf("%s %s within %s: %w",
			a.InstrumentKey, a.Side, s.opts.DedupeWindow, ErrDuplicate)
	}

	if err := s.repo.SaveAdvice(ctx, toRow(a)); err != nil {
		return nil, fmt.Errorf("persist advice: %w", err)
	}

	s.publish(events.TopicAdviceCreated, a)
	return a, nil
}

// Execute places the advice's order with the broker and transitions it to
// EXECUTED. A non-PENDING advice is returned unchanged: the engine loop may
// re-select the same id across ticks and the second call must be a no-op.
func (s *Service) Execute(ctx context.Context, id string) (*Advice, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return a, nil
	}
	if err := a.validate(); err != nil {
		return nil, err
	}

	// Hard entry gates apply to risk-increasing orders only; exits must
	// always be able to flatten.
	if a.Side == broker.SideBuy {
		if err := s.checkEntryAllowed(); err != nil {
			return nil, err
		}
	}

	req := broker.OrderRequest{
		InstrumentKey: a.InstrumentKey,
		Symbol:        a.Symbol,
		Side:          a.Side,
		Type:          a.OrderType,
		Qty:           a.Qty,
		Product:       a.Product,
		Validity:      a.Validity,
		ClientID:      a.ID,
		Tag:           a.Reason,
	}
	if a.LimitPrice != nil {
		req.LimitPrice = *a.LimitPrice
	}
	if a.TriggerPrice != nil {
		req.TriggerPrice = *a.TriggerPrice
	}

	d, err := s.gate.CheckOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("risk check: %w", err)
	}
	if !d.Allowed {
		return nil, fmt.Errorf("%s (%s): %w", d.Reason, d.Detail, ErrEntryBlocked)
	}

	brokerCtx, cancel := context.WithTimeout(ctx, s.opts.BrokerTimeout)
	res, err := s.broker.PlaceOrder(brokerCtx, req)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("place order for %s: %v: %w", a.ID, err, ErrOrderFailed)
	}
	if res.OrderID == "" {
		return nil, fmt.Errorf("place order for %s: %v: %w", a.ID, broker.ErrNoOrderID, ErrOrderFailed)
	}

	now := s.now()
	a.BrokerOrderID = res.OrderID
	a.Status = StatusExecuted
	a.UpdatedAt = &now

	// The EXECUTED state must be durable before anyone hears about it.
	if err := s.repo.SaveAdvice(ctx, toRow(a)); err != nil {
		return nil, fmt.Errorf("persist executed advice %s: %v: %w", a.ID, err, ErrOrderFailed)
	}
	s.publish(events.TopicAdviceExecuted, a)
	s.gate.NoteOrderPlaced(ctx)

	log.Printf("advice: executed %s %s %s qty=%d broker_order=%s",
		a.ID, a.Side, a.InstrumentKey, a.Qty, a.BrokerOrderID)
	return a, nil
}

// Dismiss transitions PENDING to DISMISSED. Dismissing an already dismissed
// advice is a no-op; dismissing an executed one is a state error.
func (s *Service) Dismiss(ctx context.Context, id string) (*Advice, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case StatusDismissed:
		return a, nil
	case StatusExecuted:
		return nil, fmt.Errorf("advice %s is executed: %w", id, ErrInvalidTransition)
	}

	now := s.now()
	a.Status = StatusDismissed
	a.UpdatedAt = &now
	if err := s.repo.SaveAdvice(ctx, toRow(a)); err != nil {
		return nil, fmt.Errorf("persist dismissed advice %s: %w", a.ID, err)
	}
	s.publish(events.TopicAdviceDismissed, a)
	return a, nil
}

// Get loads one advice.
func (s *Service) Get(ctx context.Context, id string) (*Advice, error) {
	return s.load(ctx, id)
}

// ListPending returns PENDING advices newest-first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]Advice, error) {
	rows, err := s.repo.ListPendingAdvices(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Advice, 0, len(rows))
	for _, r := range rows {
		out = append(out, *fromRow(r))
	}
	return out, nil
}

// ListByStatus returns advices in the given status, newest-first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]Advice, error) {
	rows, err := s.repo.ListAdvicesByStatus(ctx, string(status), limit)
	if err != nil {
		return nil, err
	}
	out := make([]Advice, 0, len(rows))
	for _, r := range rows {
		out = append(out, *fromRow(r))
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, id string) (*Advice, error) {
	row, err := s.repo.GetAdvice(ctx, id)
	if err == db.ErrNotFound {
		return nil, fmt.Errorf("advice %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load advice %s: %w", id, err)
	}
	return fromRow(*row), nil
}

// checkEntryAllowed evaluates the hard BUY-side entry gates: manual kill
// switch, circuit-breaker lockout, session bounds, opening blackout, midday
// pause and late-entry cutoff.
func (s *Service) checkEntryAllowed() error {
	if s.killSwitch.Load() {
		return fmt.Errorf("kill switch on: %w", ErrEntryBlocked)
	}
	if s.gate.Tripped() {
		return fmt.Errorf("circuit breaker tripped: %w", ErrEntryBlocked)
	}

	w := s.opts.Windows
	minute := minuteOfDay(s.now().In(risk.IST))

	open, okOpen := parseHHMM(w.SessionOpen)
	closeAt, okClose := parseHHMM(w.SessionClose)
	if okOpen && okClose && (minute < open || minute >= closeAt) {
		return fmt.Errorf("outside %s-%s session: %w", w.SessionOpen, w.SessionClose, ErrMarketClosed)
	}
	if okOpen && w.OpenBlackoutMin > 0 && minute < open+w.OpenBlackoutMin {
		return fmt.Errorf("opening blackout (%d min): %w", w.OpenBlackoutMin, ErrEntryBlocked)
	}
	if from, ok := parseHHMM(w.MiddayPauseFrom); ok {
		if to, ok := parseHHMM(w.MiddayPauseTo); ok && minute >= from && minute < to {
			return fmt.Errorf("midday pause %s-%s: %w", w.MiddayPauseFrom, w.MiddayPauseTo, ErrEntryBlocked)
		}
	}
	if cutoff, ok := parseHHMM(w.LateEntryCutoff); ok && minute >= cutoff {
		return fmt.Errorf("past late-entry cutoff %s: %w", w.LateEntryCutoff, ErrEntryBlocked)
	}
	return nil
}

// publish is fire-and-forget; the bus drops on a full subscriber and a nil
// bus is a valid configuration.
func (s *Service) publish(topic events.Topic, a *Advice) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, a)
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// parseHHMM converts "HH:MM" to minute-of-day; ok is false for empty or
// malformed input, which disables the corresponding window.
func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
