package models

// Stream kinds used in file names and log context.
const (
	KindOrderbook = "orderbook"
	KindExecution = "execution"
)

// Record is a persisted market-data line. Both variants are plain values and
// are never mutated after construction.
type Record interface {
	// ReceivedAt returns the local receipt time in unix milliseconds.
	ReceivedAt() int64
	Kind() string
}

// PriceLevel is a [price, quantity] pair.
type PriceLevel [2]float64

// Snapshot is one top-of-book depth snapshot. The exchange does not stamp
// these messages, so timing comes from local receipt.
type Snapshot struct {
	RecvMs       int64        `json:"recv_ms"`
	NetDelayMs   int64        `json:"net_delay_ms"`
	IntvLagMs    int64        `json:"intv_lag_ms"`
	LastUpdateID int64        `json:"last_update_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

func (s Snapshot) ReceivedAt() int64 { return s.RecvMs }
func (s Snapshot) Kind() string      { return KindOrderbook }

// MakerFlag serializes a boolean as "0" or "1".
type MakerFlag bool

func (m MakerFlag) MarshalJSON() ([]byte, error) {
	if m {
		return []byte(`"1"`), nil
	}
	return []byte(`"0"`), nil
}

func (m *MakerFlag) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"1"`, `1`, `true`:
		*m = true
	default:
		*m = false
	}
	return nil
}

// Execution is one aggregated trade. Price and quantity keep the exchange's
// decimal strings untouched.
type Execution struct {
	RecvMs     int64     `json:"recv_ms"`
	NetDelayMs int64     `json:"net_delay_ms"`
	EventTime  int64     `json:"E"`
	Price      string    `json:"p"`
	Quantity   string    `json:"q"`
	IsMaker    MakerFlag `json:"m"`
	AggTradeID int64     `json:"-"`
}

func (e Execution) ReceivedAt() int64 { return e.RecvMs }
func (e Execution) Kind() string      { return KindExecution }
