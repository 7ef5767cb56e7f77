// Package advice owns the trade-recommendation lifecycle: validated creation
// with a short dedupe window, idempotent execution against the broker, and
// dismissal. Status transitions are monotonic; terminal advices are kept for
// audit, never deleted.
package advice

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"options-core/internal/broker"
	"options-core/pkg/db"
)

// Status is the advice lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuted  Status = "EXECUTED"
	StatusDismissed Status = "DISMISSED"
)

// Lifecycle error taxonomy. Callers branch with errors.Is; none of these are
// retried by the lifecycle itself.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrNotFound          = errors.New("advice not found")
	ErrDuplicate         = errors.New("duplicate advice")
	ErrEntryBlocked      = errors.New("entry blocked")
	ErrOrderFailed       = errors.New("order failed")
	ErrMarketClosed      = errors.New("market closed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Advice is a trade recommendation. Side, type, product and validity are
// validated once at the creation boundary and never re-parsed afterwards.
type Advice struct {
	ID            string           `json:"id"`
	InstrumentKey string           `json:"instrument_key"`
	Symbol        string           `json:"symbol"`
	Side          broker.Side      `json:"side"`
	OrderType     broker.OrderType `json:"order_type"`
	Qty           int64            `json:"qty"`
	LimitPrice    *float64         `json:"limit_price,omitempty"`
	TriggerPrice  *float64         `json:"trigger_price,omitempty"`
	Product       broker.Product   `json:"product"`
	Validity      broker.Validity  `json:"validity"`
	Status        Status           `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	CreatedAt     *time.Time       `json:"created_at,omitempty"`
	UpdatedAt     *time.Time       `json:"updated_at,omitempty"`
}

// Draft is the caller-supplied input to Create. String fields are validated
// into the typed vocabulary; product and validity default when empty.
type Draft struct {
	InstrumentKey string   `json:"instrument_key"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	OrderType     string   `json:"order_type"`
	Qty           int64    `json:"qty"`
	LimitPrice    *float64 `json:"limit_price,omitempty"`
	TriggerPrice  *float64 `json:"trigger_price,omitempty"`
	Product       string   `json:"product,omitempty"`
	Validity      string   `json:"validity,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// ExitHints are the optional exit parameters an advice reason can encode, in
// the form "sl=212.5 tp=260 ttl=45" (prices absolute, ttl in minutes).
type ExitHints struct {
	StopLoss   float64
	TakeProfit float64
	TTLMinutes int
}

// HasStop reports whether a stop-loss price was encoded.
func (h ExitHints) HasStop() bool { return h.StopLoss > 0 }

// ParseExitHints extracts exit hints from a free-text reason. Unknown tokens
// are ignored; ok is false when no recognized hint is present.
func ParseExitHints(reason string) (ExitHints, bool) {
	var (
		h  ExitHints
		ok bool
	)
	for _, tok := range strings.Fields(reason) {
		k, v, found := strings.Cut(strings.ToLower(tok), "=")
		if !found {
			continue
		}
		switch k {
		case "sl":
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				h.StopLoss = f
				ok = true
			}
		case "tp":
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				h.TakeProfit = f
				ok = true
			}
		case "ttl":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				h.TTLMinutes = n
				ok = true
			}
		}
	}
	return h, ok
}

// validate enforces the pre-execution invariants. Used both at creation and
// again at execution as a defense against stale or partial records.
func (a *Advice) validate() error {
	if a.InstrumentKey == "" {
		return errInvalid("instrument_key is required")
	}
	if a.Symbol == "" {
		return errInvalid("symbol is required")
	}
	if a.Side != broker.SideBuy && a.Side != broker.SideSell {
		return errInvalid("side must be BUY or SELL")
	}
	if _, ok := broker.ParseOrderType(string(a.OrderType)); !ok {
		return errInvalid("unknown order type")
	}
	if a.Qty <= 0 {
		return errInvalid("qty must be positive")
	}
	return nil
}

func errInvalid(msg string) error {
	return &fieldError{msg: msg}
}

type fieldError struct {
	msg string
}

func (e *fieldError) Error() string { return e.msg }
func (e *fieldError) Unwrap() error { return ErrBadRequest }

// toRow flattens an advice into its persistence row.
func toRow(a *Advice) db.Advice {
	return db.Advice{
		ID:            a.ID,
		InstrumentKey: a.InstrumentKey,
		Symbol:        a.Symbol,
		Side:          string(a.Side),
		OrderType:     string(a.OrderType),
		Qty:           a.Qty,
		LimitPrice:    a.LimitPrice,
		TriggerPrice:  a.TriggerPrice,
		Product:       string(a.Product),
		Validity:      string(a.Validity),
		Status:        string(a.Status),
		Reason:        a.Reason,
		BrokerOrderID: a.BrokerOrderID,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

// fromRow rehydrates an advice from its persistence row.
func fromRow(r db.Advice) *Advice {
	return &Advice{
		ID:            r.ID,
		InstrumentKey: r.InstrumentKey,
		Symbol:        r.Symbol,
		Side:          broker.Side(r.Side),
		OrderType:     broker.OrderType(r.OrderType),
		Qty:           r.Qty,
		LimitPrice:    r.LimitPrice,
		TriggerPrice:  r.TriggerPrice,
		Product:       broker.Product(r.Product),
		Validity:      broker.Validity(r.Validity),
		Status:        Status(r.Status),
		Reason:        r.Reason,
		BrokerOrderID: r.BrokerOrderID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}
