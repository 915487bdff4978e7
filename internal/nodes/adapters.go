package nodes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/tradeflow/pkg/schema"
)

// StaticProvider serves fixed quotes keyed by params.symbol. It backs the
// CLI and tests; real deployments plug in an exchange client.
type StaticProvider struct {
	mu     sync.RWMutex
	quotes map[string]map[string]any
}

// NewStaticProvider creates a provider with the given quotes.
func NewStaticProvider(quotes map[string]map[string]any) *StaticProvider {
	p := &StaticProvider{quotes: make(map[string]map[string]any, len(quotes))}
	for sym, q := range quotes {
		p.quotes[sym] = q
	}
	return p
}

// SetQuote replaces the quote for symbol.
func (p *StaticProvider) SetQuote(symbol string, quote map[string]any) {
	p.mu.Lock()
	p.quotes[symbol] = quote
	p.mu.Unlock()
}

// Invoke returns a copy of the quote for params.symbol.
func (p *StaticProvider) Invoke(ctx context.Context, node *schema.Node, params map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sym, _ := params["symbol"].(string)
	if sym == "" {
		return nil, schema.PermanentError("params.symbol is required")
	}

	p.mu.RLock()
	q, ok := p.quotes[sym]
	p.mu.RUnlock()
	if !ok {
		return nil, schema.PermanentError("no quote for %s", sym)
	}

	out := make(map[string]any, len(q)+1)
	for k, v := range q {
		out[k] = v
	}
	out["symbol"] = sym
	return out, nil
}

// Fill is a PaperTrader execution report.
type Fill struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	FilledAt      time.Time `json:"filled_at"`
}

// PaperTrader fills every order immediately and tracks net positions.
// Market orders fill at the provider's "last" (or "price") field.
// Orders are idempotent on ClientOrderID.
type PaperTrader struct {
	quotes *StaticProvider

	mu        sync.Mutex
	fills     map[string]Fill
	order     []string
	positions map[string]float64
}

// NewPaperTrader creates a PaperTrader pricing market orders from quotes,
// which may be nil when every order carries a limit price.
func NewPaperTrader(quotes *StaticProvider) *PaperTrader {
	return &PaperTrader{
		quotes:    quotes,
		fills:     make(map[string]Fill),
		positions: make(map[string]float64),
	}
}

// Execute fills the order.
func (t *PaperTrader) Execute(ctx context.Context, order Order) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.fills[order.ClientOrderID]; ok && order.ClientOrderID != "" {
		return f, nil
	}

	price := order.Price
	if price == 0 {
		p, err := t.marketPrice(ctx, order.Symbol)
		if err != nil {
			return nil, err
		}
		price = p
	}

	f := Fill{
		OrderID:       uuid.NewString(),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         price,
		FilledAt:      time.Now().UTC(),
	}
	if order.Side == "sell" {
		t.positions[order.Symbol] -= order.Quantity
	} else {
		t.positions[order.Symbol] += order.Quantity
	}
	key := order.ClientOrderID
	if key == "" {
		key = f.OrderID
	}
	t.fills[key] = f
	t.order = append(t.order, key)
	return f, nil
}

func (t *PaperTrader) marketPrice(ctx context.Context, symbol string) (float64, error) {
	if t.quotes == nil {
		return 0, schema.PermanentError("market order for %s without a quote source", symbol)
	}
	q, err := t.quotes.Invoke(ctx, nil, map[string]any{"symbol": symbol})
	if err != nil {
		return 0, err
	}
	m := q.(map[string]any)
	for _, k := range []string{"last", "price"} {
		if v, ok := m[k]; ok {
			f, err := toFloat(v)
			if err != nil {
				return 0, schema.PermanentError("quote %s.%s: %s", symbol, k, err.Error())
			}
			return f, nil
		}
	}
	return 0, schema.PermanentError("quote for %s has no last or price", symbol)
}

// Position returns the net position in symbol.
func (t *PaperTrader) Position(symbol string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positions[symbol]
}

// Fills returns every fill in execution order.
func (t *PaperTrader) Fills() []Fill {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Fill, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.fills[k])
	}
	return out
}

func (f Fill) String() string {
	return fmt.Sprintf("%s %v %s @ %v", f.Side, f.Quantity, f.Symbol, f.Price)
}
