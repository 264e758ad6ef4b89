package processor

import (
	"fmt"
	"sync"

	"feedarchive/models"
)

// Trade is a validated aggregate trade payload.
type Trade struct {
	EventTime  int64
	AggTradeID int64
	HasID      bool
	Price      string
	Quantity   string
	IsMaker    bool
}

// DecodeTrade validates an aggTrade payload.
func DecodeTrade(data []byte) (Trade, error) {
	var p models.AggTradePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Trade{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case p.EventTime == nil:
		return Trade{}, fmt.Errorf("%w: E", ErrMissingField)
	case p.Price == nil:
		return Trade{}, fmt.Errorf("%w: p", ErrMissingField)
	case p.Quantity == nil:
		return Trade{}, fmt.Errorf("%w: q", ErrMissingField)
	case p.IsMaker == nil:
		return Trade{}, fmt.Errorf("%w: m", ErrMissingField)
	}
	t := Trade{
		EventTime: *p.EventTime,
		Price:     *p.Price,
		Quantity:  *p.Quantity,
		IsMaker:   *p.IsMaker,
	}
	if p.AggTradeID != nil {
		t.AggTradeID = *p.AggTradeID
		t.HasID = true
	}
	return t, nil
}

// ExecutionOrder enforces non-decreasing event time per symbol across every
// connection instance of one execution stream. Trades sharing an event time
// are told apart by aggregate trade id when present.
type ExecutionOrder struct {
	mu     sync.Mutex
	lastE  map[string]int64
	lastID map[string]int64
}

func NewExecutionOrder() *ExecutionOrder {
	return &ExecutionOrder{lastE: make(map[string]int64), lastID: make(map[string]int64)}
}

// Admit reports whether t is newer than everything accepted so far for symbol
// and advances the watermark when it is.
func (o *ExecutionOrder) Admit(symbol string, t Trade) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	lastE, seen := o.lastE[symbol]
	if seen {
		if t.EventTime < lastE {
			return false
		}
		if t.EventTime == lastE && t.HasID && t.AggTradeID <= o.lastID[symbol] {
			return false
		}
	}
	o.lastE[symbol] = t.EventTime
	if t.HasID {
		o.lastID[symbol] = t.AggTradeID
	}
	return true
}

// lastEventTime returns the watermark for symbol.
func (o *ExecutionOrder) lastEventTime(symbol string) (int64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.lastE[symbol]
	return e, ok
}
