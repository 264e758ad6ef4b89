// Package hotswap runs overlapping main/backup connections for one logical
// stream so the periodic forced reconnect never leaves a gap in the data.
package hotswap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"feedarchive/logger"
)

// RunFunc drives one connection instance until it terminates or ctx is done.
type RunFunc func(ctx context.Context, role *Role)

// Config controls the refresh schedule of a stream.
type Config struct {
	Ports         []string
	RefreshPeriod time.Duration
	ReadyAhead    time.Duration
	MinReconnect  time.Duration
}

// Coordinator owns the main/backup lifecycle of one logical stream.
type Coordinator struct {
	stream string
	cfg    Config
	run    RunFunc

	limiter     *rate.Limiter
	lastAttempt atomic.Int64

	mu         sync.Mutex
	portCursor int
	current    *Role
	pending    *Role
	handoffs   int64
	started    bool

	wg  sync.WaitGroup
	log *logger.Entry
}

// NewCoordinator returns a coordinator for the named stream. Hotswap is only
// enabled when more than one port is configured.
func NewCoordinator(stream string, cfg Config, run RunFunc) *Coordinator {
	if len(cfg.Ports) == 0 {
		cfg.Ports = []string{"9443"}
	}
	var limiter *rate.Limiter
	if cfg.MinReconnect > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinReconnect), 1)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Coordinator{
		stream:  stream,
		cfg:     cfg,
		run:     run,
		limiter: limiter,
		log:     logger.GetLogger().WithComponent("hotswap").WithFields(logger.Fields{"stream": stream}),
	}
}

// Enabled reports whether backup connections are used.
func (c *Coordinator) Enabled() bool {
	return len(c.cfg.Ports) > 1 && c.cfg.RefreshPeriod > 0
}

// RefreshPeriod is the connection age after which the active instance hands off.
func (c *Coordinator) RefreshPeriod() time.Duration { return c.cfg.RefreshPeriod }

// Start launches the main instance. It must be called once.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	first := newRole(false)
	c.current = first
	c.mu.Unlock()

	c.log.WithFields(logger.Fields{
		"ports":          c.cfg.Ports,
		"refresh_period": c.cfg.RefreshPeriod.String(),
		"ready_ahead":    c.cfg.ReadyAhead.String(),
		"hotswap":        c.Enabled(),
	}).Info("starting main connection")
	c.launch(ctx, first)
}

// Wait blocks until every instance started by the coordinator has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) launch(ctx context.Context, r *Role) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer r.Terminate()
		c.run(ctx, r)
		c.mu.Lock()
		if c.pending == r {
			c.pending = nil
		}
		c.mu.Unlock()
	}()
}

// NextPort returns the next port in round-robin order.
func (c *Coordinator) NextPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	port := c.cfg.Ports[c.portCursor]
	c.portCursor = (c.portCursor + 1) % len(c.cfg.Ports)
	return port
}

// WaitTurn blocks until a new connection attempt is allowed. Attempts of every
// instance of the stream share one limiter.
func (c *Coordinator) WaitTurn(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.lastAttempt.Store(time.Now().UnixNano())
	return nil
}

// LastAttempt returns the time of the most recent connection attempt.
func (c *Coordinator) LastAttempt() time.Time {
	n := c.lastAttempt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ScheduleBackup starts a backup instance ReadyAhead before owner's connection
// reaches the refresh period. It is a no-op after the first call per owner, or
// when hotswap is disabled.
func (c *Coordinator) ScheduleBackup(ctx context.Context, owner *Role) {
	if !c.Enabled() {
		return
	}
	owner.scheduleOnce.Do(func() {
		delay := time.Until(owner.ConnectedAt().Add(c.cfg.RefreshPeriod - c.cfg.ReadyAhead))
		c.log.WithFields(logger.Fields{
			"owner":    owner.ID,
			"start_in": delay.Round(time.Second).String(),
		}).Info("backup connection scheduled")

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-owner.Done():
					return
				case <-timer.C:
				}
			}
			c.startBackup(ctx)
		}()
	})
}

func (c *Coordinator) startBackup(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return
	}
	backup := newRole(true)
	c.pending = backup
	c.mu.Unlock()

	c.log.WithFields(logger.Fields{"backup": backup.ID}).Info("starting backup connection")
	c.launch(ctx, backup)
}

// ReadyForHandoff reports whether a backup is connected and idling in standby.
func (c *Coordinator) ReadyForHandoff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil && c.pending.State() == StateStandby
}

// CommitHotswap hands the stream from active to the standby backup. On
// success active is terminated and the caller must stop reading. On failure
// nothing changes and the caller keeps its connection.
func (c *Coordinator) CommitHotswap(active *Role) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	backup := c.pending
	if backup == nil || c.current != active {
		return false
	}
	if !active.beginHandoff() {
		return false
	}
	if !backup.promote() {
		active.abortHandoff()
		return false
	}
	c.current = backup
	c.pending = nil
	c.handoffs++
	active.Terminate()

	c.log.WithFields(logger.Fields{
		"from":      active.ID,
		"from_port": active.Port(),
		"to":        backup.ID,
		"to_port":   backup.Port(),
		"handoffs":  c.handoffs,
	}).Info("hotswap committed")
	return true
}

// Status is a read-only view of the coordinator.
type Status struct {
	Stream      string      `json:"stream"`
	Hotswap     bool        `json:"hotswap"`
	Current     *RoleStatus `json:"current,omitempty"`
	Pending     *RoleStatus `json:"pending,omitempty"`
	Handoffs    int64       `json:"handoffs"`
	LastAttempt time.Time   `json:"last_attempt"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	current, pending, handoffs := c.current, c.pending, c.handoffs
	c.mu.Unlock()
	return Status{
		Stream:      c.stream,
		Hotswap:     c.Enabled(),
		Current:     current.status(),
		Pending:     pending.status(),
		Handoffs:    handoffs,
		LastAttempt: c.LastAttempt(),
	}
}
