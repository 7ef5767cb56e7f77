// Package broker defines the narrow order-placement contract the trading core
// consumes, plus the typed order vocabulary shared with the advice layer.
package broker

import (
	"context"
	"errors"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the broker order type.
type OrderType string

const (
	TypeMarket         OrderType = "MARKET"
	TypeLimit          OrderType = "LIMIT"
	TypeStopLoss       OrderType = "SL"
	TypeStopLossMarket OrderType = "SL-M"
)

// Product is the broker product code.
type Product string

const (
	ProductIntraday Product = "INTRADAY"
	ProductDelivery Product = "DELIVERY"
)

// Validity is the order time-in-force.
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// ParseSide validates a side string once at the creation boundary.
func ParseSide(s string) (Side, bool) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), true
	}
	return "", false
}

// ParseOrderType validates an order type string.
func ParseOrderType(s string) (OrderType, bool) {
	switch OrderType(s) {
	case TypeMarket, TypeLimit, TypeStopLoss, TypeStopLossMarket:
		return OrderType(s), true
	}
	return "", false
}

// OrderRequest is a fully validated order ready for placement.
type OrderRequest struct {
	InstrumentKey string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           int64
	LimitPrice    float64
	TriggerPrice  float64
	Product       Product
	Validity      Validity
	ClientID      string // caller-assigned idempotency id
	Tag           string
}

// OrderResult is the broker's acknowledgement. A missing OrderID is a
// protocol violation callers must treat as failure.
type OrderResult struct {
	OrderID string
	Status  string
}

// ErrNoOrderID flags a placement response without a broker order id.
var ErrNoOrderID = errors.New("broker returned no order id")

// Client abstracts the broker order API.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	AmendPrice(ctx context.Context, orderID string, price float64) error
	IsWorking(ctx context.Context, orderID string) (bool, error)
}
