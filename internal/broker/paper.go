package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Paper is a dry-run Client that acknowledges orders with synthetic broker
// ids and tracks working orders in memory. It lets the whole engine loop run
// without a live broker session.
type Paper struct {
	mu     sync.Mutex
	orders map[string]*paperOrder
}

type paperOrder struct {
	req      OrderRequest
	price    float64
	working  bool
	placedAt time.Time
}

// NewPaper creates an empty paper broker.
func NewPaper() *Paper {
	return &Paper{orders: make(map[string]*paperOrder)}
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.Qty <= 0 {
		return OrderResult{}, fmt.Errorf("paper: qty must be positive, got %d", req.Qty)
	}

	id := "paper-" + uuid.NewString()

	p.mu.Lock()
	p.orders[id] = &paperOrder{
		req:      req,
		price:    req.LimitPrice,
		working:  req.Type != TypeMarket, // market fills immediately
		placedAt: time.Now(),
	}
	p.mu.Unlock()

	log.Printf("paper: placed %s %s qty=%d type=%s id=%s", req.Side, req.Symbol, req.Qty, req.Type, id)
	return OrderResult{OrderID: id, Status: "ACCEPTED"}, nil
}

func (p *Paper) AmendPrice(ctx context.Context, orderID string, price float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", orderID)
	}
	if !o.working {
		return fmt.Errorf("paper: order %s is not working", orderID)
	}
	o.price = price
	return nil
}

func (p *Paper) IsWorking(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return false, nil
	}
	return o.working, nil
}

// Fill marks a working order as done; tests and the mock feed use it to
// simulate stop/target executions.
func (p *Paper) Fill(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok {
		o.working = false
	}
}

// WorkingCount returns the number of live orders.
func (p *Paper) WorkingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.orders {
		if o.working {
			n++
		}
	}
	return n
}
