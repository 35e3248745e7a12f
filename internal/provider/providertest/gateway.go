// Package providertest provides an in-memory provider.Gateway for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/onnwee/slotpay/internal/provider"
)

// Gateway method names recorded in Call.
const (
	MethodFetchPayment = "FetchPayment"
	MethodFetchOrder   = "FetchOrder"
	MethodRefund       = "Refund"
	MethodRefresh      = "RefreshToken"
	MethodExchange     = "ExchangeCode"
)

// Call records one invocation of the fake.
type Call struct {
	Method string
	Scope  provider.Scope
	ID     string
}

// Gateway is a configurable fake provider.Gateway. Payments and Orders are
// served to any scope unless FetchFunc is set.
type Gateway struct {
	ProviderName provider.Name

	mu       sync.Mutex
	payments map[string]*provider.Payment
	orders   map[string]*provider.Payment
	calls    []Call

	FetchFunc    func(scope provider.Scope, kind provider.Kind, id string) (*provider.Payment, error)
	RefundFunc   func(scope provider.Scope, req provider.RefundRequest) (*provider.Refund, error)
	RefreshFunc  func(refreshToken string) (*provider.TokenSet, error)
	ExchangeFunc func(code, redirectURI string) (*provider.TokenSet, error)
}

// New creates a fake gateway for name.
func New(name provider.Name) *Gateway {
	return &Gateway{
		ProviderName: name,
		payments:     make(map[string]*provider.Payment),
		orders:       make(map[string]*provider.Payment),
	}
}

// AddPayment makes p retrievable by FetchPayment.
func (g *Gateway) AddPayment(p *provider.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[p.ID] = p
}

// AddOrder makes p retrievable by FetchOrder under orderID.
func (g *Gateway) AddOrder(orderID string, p *provider.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[orderID] = p
}

// Calls returns a copy of the recorded calls.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// CallCount returns how many times method was invoked.
func (g *Gateway) CallCount(method string) int {
	n := 0
	for _, c := range g.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (g *Gateway) record(method string, scope provider.Scope, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, Call{Method: method, Scope: scope, ID: id})
}

// Name implements provider.Gateway.
func (g *Gateway) Name() provider.Name {
	return g.ProviderName
}

// FetchPayment implements provider.Gateway.
func (g *Gateway) FetchPayment(ctx context.Context, scope provider.Scope, id string) (*provider.Payment, error) {
	g.record(MethodFetchPayment, scope, id)
	return g.fetch(scope, provider.KindPayment, id, g.payments)
}

// FetchOrder implements provider.Gateway.
func (g *Gateway) FetchOrder(ctx context.Context, scope provider.Scope, id string) (*provider.Payment, error) {
	g.record(MethodFetchOrder, scope, id)
	return g.fetch(scope, provider.KindOrder, id, g.orders)
}

func (g *Gateway) fetch(scope provider.Scope, kind provider.Kind, id string, store map[string]*provider.Payment) (*provider.Payment, error) {
	if g.FetchFunc != nil {
		return g.FetchFunc(scope, kind, id)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := store[id]
	if !ok {
		return nil, &provider.APIError{Provider: g.ProviderName, StatusCode: 404, Message: fmt.Sprintf("%s %s not found", kind, id)}
	}
	copied := *p
	return &copied, nil
}

// Refund implements provider.Gateway.
func (g *Gateway) Refund(ctx context.Context, scope provider.Scope, req provider.RefundRequest) (*provider.Refund, error) {
	g.record(MethodRefund, scope, req.PaymentID)
	if g.RefundFunc != nil {
		return g.RefundFunc(scope, req)
	}
	return nil, provider.ErrUnsupported
}

// RefreshToken implements provider.Gateway.
func (g *Gateway) RefreshToken(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	g.record(MethodRefresh, provider.Scope{}, refreshToken)
	if g.RefreshFunc != nil {
		return g.RefreshFunc(refreshToken)
	}
	return nil, provider.ErrUnsupported
}

// ExchangeCode implements provider.Gateway.
func (g *Gateway) ExchangeCode(ctx context.Context, code, redirectURI string) (*provider.TokenSet, error) {
	g.record(MethodExchange, provider.Scope{}, code)
	if g.ExchangeFunc != nil {
		return g.ExchangeFunc(code, redirectURI)
	}
	return nil, provider.ErrUnsupported
}
