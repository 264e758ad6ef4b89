package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedarchive/internal/channel"
	"feedarchive/internal/hotswap"
	"feedarchive/internal/latency"
	"feedarchive/logger"
	"feedarchive/models"
	"feedarchive/processor"
)

const defaultStandbyBuffer = 256

// Handler creates the per-instance message state of one stream.
type Handler interface {
	// Component names the log component of the stream.
	Component() string
	NewSession(role *hotswap.Role) Session
}

// Session processes the frames of one connection instance. All methods are
// called from the instance's read loop.
type Session interface {
	Handle(ctx context.Context, symbol string, data []byte, recv time.Time) error
	// Promoted is called once a standby instance takes over the stream.
	Promoted(ctx context.Context)
	// Disconnected is called after the connection is lost and before reconnecting.
	Disconnected(wasActive bool)
}

type candidate struct {
	symbol string
	rec    models.Record
	admit  func() bool
}

// recvOrder keeps the receipt times enqueued per symbol non-decreasing across
// every instance of a stream. A replayed record that was received by the
// standby connection slightly before the last line of the old one is stamped
// with that line's receipt time.
type recvOrder struct {
	mu   sync.Mutex
	last map[string]int64
}

func newRecvOrder() *recvOrder {
	return &recvOrder{last: make(map[string]int64)}
}

func (o *recvOrder) admit(c candidate) (models.Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !c.admit() {
		return nil, false
	}
	rec := c.rec
	if last, ok := o.last[c.symbol]; ok && rec.ReceivedAt() < last {
		rec = withRecv(rec, last)
	}
	o.last[c.symbol] = rec.ReceivedAt()
	return rec, true
}

func withRecv(rec models.Record, recvMs int64) models.Record {
	switch r := rec.(type) {
	case models.Snapshot:
		r.RecvMs = recvMs
		return r
	case models.Execution:
		r.RecvMs = recvMs
		return r
	}
	return rec
}

// admission routes candidates of one instance. An active instance enqueues
// them through the stream-wide watermark; a standby instance keeps the most
// recent ones so nothing in flight during a handoff is lost.
type admission struct {
	role    *hotswap.Role
	queues  *channel.Queues
	order   *recvOrder
	limit   int
	pending []candidate
	log     *logger.Entry
}

func newAdmission(role *hotswap.Role, queues *channel.Queues, order *recvOrder, limit int, log *logger.Entry) admission {
	if limit <= 0 {
		limit = defaultStandbyBuffer
	}
	return admission{role: role, queues: queues, order: order, limit: limit, log: log}
}

func (a *admission) offer(ctx context.Context, c candidate) error {
	switch a.role.State() {
	case hotswap.StateActive:
		if len(a.pending) > 0 {
			a.replay(ctx)
		}
		return a.enqueue(ctx, c)
	case hotswap.StateStandby:
		if len(a.pending) == a.limit {
			copy(a.pending, a.pending[1:])
			a.pending = a.pending[:a.limit-1]
		}
		a.pending = append(a.pending, c)
	}
	return nil
}

func (a *admission) enqueue(ctx context.Context, c candidate) error {
	rec, ok := a.order.admit(c)
	if !ok {
		return processor.ErrStaleUpdate
	}
	a.queues.Put(ctx, c.symbol, rec)
	return nil
}

func (a *admission) replay(ctx context.Context) {
	if !a.role.IsActive() || len(a.pending) == 0 {
		return
	}
	accepted := 0
	for _, c := range a.pending {
		if a.enqueue(ctx, c) == nil {
			accepted++
		}
	}
	a.log.WithFields(logger.Fields{
		"buffered": len(a.pending),
		"accepted": accepted,
	}).Info("replayed standby buffer")
	a.pending = a.pending[:0]
}

func (a *admission) clear() { a.pending = a.pending[:0] }

// SnapshotHandler persists depth snapshots. Snapshots carry no server time, so
// the interval lag is reconstructed from local receipt and the network delay is
// taken from the latency monitor; nothing is enqueued before that is known.
type SnapshotHandler struct {
	Interval time.Duration
	Queues   *channel.Queues
	Monitor  *latency.Monitor
	Order    *processor.SnapshotOrder
	Standby  int

	recv *recvOrder
}

func NewSnapshotHandler(interval time.Duration, queues *channel.Queues, monitor *latency.Monitor) *SnapshotHandler {
	return &SnapshotHandler{
		Interval: interval,
		Queues:   queues,
		Monitor:  monitor,
		Order:    processor.NewSnapshotOrder(interval),
		recv:     newRecvOrder(),
	}
}

func (h *SnapshotHandler) Component() string { return "snapshot" }

func (h *SnapshotHandler) NewSession(role *hotswap.Role) Session {
	log := logger.GetLogger().WithComponent("snapshot").WithField("instance", role.ID)
	return &snapshotSession{
		h:         h,
		timer:     processor.NewSnapshotTimer(h.Interval),
		admission: newAdmission(role, h.Queues, h.recv, h.Standby, log),
	}
}

type snapshotSession struct {
	h     *SnapshotHandler
	timer *processor.SnapshotTimer
	admission
}

func (s *snapshotSession) Handle(ctx context.Context, symbol string, data []byte, recv time.Time) error {
	id, bids, asks, err := processor.DecodeDepth(data)
	if err != nil {
		return err
	}
	recvMs := recv.UnixMilli()
	lag, seeded := s.timer.Observe(symbol, recvMs)
	if !seeded {
		return nil
	}
	netDelay, ok := s.h.Monitor.Latency(symbol)
	if !ok {
		return nil
	}
	if netDelay < 0 {
		netDelay = 0
	}
	snap := models.Snapshot{
		RecvMs:       recvMs,
		NetDelayMs:   netDelay,
		IntvLagMs:    lag,
		LastUpdateID: id,
		Bids:         bids,
		Asks:         asks,
	}
	order := s.h.Order
	return s.offer(ctx, candidate{
		symbol: symbol,
		rec:    snap,
		admit:  func() bool { return order.Admit(symbol, id, recvMs) },
	})
}

func (s *snapshotSession) Promoted(ctx context.Context) { s.replay(ctx) }

func (s *snapshotSession) Disconnected(bool) {
	s.timer.Reset()
	s.clear()
}

// ExecutionHandler persists aggregate trades with their exchange event time.
type ExecutionHandler struct {
	Queues  *channel.Queues
	Monitor *latency.Monitor
	Order   *processor.ExecutionOrder
	Standby int

	recv *recvOrder
}

func NewExecutionHandler(queues *channel.Queues, monitor *latency.Monitor) *ExecutionHandler {
	return &ExecutionHandler{
		Queues:  queues,
		Monitor: monitor,
		Order:   processor.NewExecutionOrder(),
		recv:    newRecvOrder(),
	}
}

func (h *ExecutionHandler) Component() string { return "execution" }

func (h *ExecutionHandler) NewSession(role *hotswap.Role) Session {
	log := logger.GetLogger().WithComponent("execution").WithField("instance", role.ID)
	return &executionSession{h: h, admission: newAdmission(role, h.Queues, h.recv, h.Standby, log)}
}

type executionSession struct {
	h *ExecutionHandler
	admission
}

func (s *executionSession) Handle(ctx context.Context, symbol string, data []byte, recv time.Time) error {
	t, err := processor.DecodeTrade(data)
	if err != nil {
		return err
	}
	var netDelay int64
	if s.h.Monitor != nil {
		if l, ok := s.h.Monitor.Latency(symbol); ok && l > 0 {
			netDelay = l
		}
	}
	exe := models.Execution{
		RecvMs:     recv.UnixMilli(),
		NetDelayMs: netDelay,
		EventTime:  t.EventTime,
		Price:      t.Price,
		Quantity:   t.Quantity,
		IsMaker:    models.MakerFlag(t.IsMaker),
		AggTradeID: t.AggTradeID,
	}
	order := s.h.Order
	return s.offer(ctx, candidate{
		symbol: symbol,
		rec:    exe,
		admit:  func() bool { return order.Admit(symbol, t) },
	})
}

func (s *executionSession) Promoted(ctx context.Context) { s.replay(ctx) }

func (s *executionSession) Disconnected(bool) { s.clear() }

// LatencyHandler feeds diff depth event times into the latency monitor. Only
// the active instance records samples.
type LatencyHandler struct {
	Monitor *latency.Monitor
}

func NewLatencyHandler(monitor *latency.Monitor) *LatencyHandler {
	return &LatencyHandler{Monitor: monitor}
}

func (h *LatencyHandler) Component() string { return "latency" }

func (h *LatencyHandler) NewSession(role *hotswap.Role) Session {
	return &latencySession{h: h, role: role}
}

type latencySession struct {
	h    *LatencyHandler
	role *hotswap.Role
}

func (s *latencySession) Handle(_ context.Context, symbol string, data []byte, recv time.Time) error {
	eventMs, updateID, err := processor.DecodeDiffDepth(data)
	if err != nil {
		return err
	}
	if !s.role.IsActive() {
		return nil
	}
	if err := s.h.Monitor.Observe(symbol, updateID, eventMs, recv.UnixMilli()); err != nil {
		if errors.Is(err, latency.ErrStaleUpdate) {
			return fmt.Errorf("%w: %v", processor.ErrStaleUpdate, err)
		}
		return err
	}
	return nil
}

func (s *latencySession) Promoted(context.Context) {}

// A lost measurement connection invalidates every window.
func (s *latencySession) Disconnected(wasActive bool) {
	if wasActive {
		s.h.Monitor.Reset()
	}
}
