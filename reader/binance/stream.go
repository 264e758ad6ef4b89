package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"feedarchive/internal/backoff"
	"feedarchive/internal/hotswap"
	"feedarchive/internal/metrics"
	"feedarchive/logger"
	"feedarchive/processor"
)

const (
	defaultKeepAlive        = 3 * time.Minute
	defaultHandshakeTimeout = 10 * time.Second
	defaultHandoffCheck     = 250 * time.Millisecond
	frameBuffer             = 256
)

// ErrReadTimeout is returned when no frame arrives within the adaptive timeout.
var ErrReadTimeout = errors.New("no message within read timeout")

// Liveness sizes the adaptive read timeout of one stream.
type Liveness struct {
	SamplesPerSymbol int
	Multiplier       float64
	Min              time.Duration
	Max              time.Duration
	Default          time.Duration
}

// StreamConfig describes one logical combined stream.
type StreamConfig struct {
	Name    string
	URL     string // may contain {port}
	Kind    string
	Symbols []string
	LocalIP string

	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	HandoffCheck     time.Duration

	Hotswap  hotswap.Config
	Backoff  backoff.Policy
	Liveness Liveness
}

// Stream keeps one combined subscription alive through a hotswap coordinator
// and feeds every frame to a per-instance Session.
type Stream struct {
	cfg     StreamConfig
	demux   *processor.Demux
	handler Handler
	dialer  *websocket.Dialer
	coord   *hotswap.Coordinator
	log     *logger.Entry
}

// NewStream validates cfg and prepares the dialer. Nothing connects until Start.
func NewStream(cfg StreamConfig, handler Handler) (*Stream, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("stream %s: no symbols", cfg.Name)
	}
	if cfg.Kind == "" {
		return nil, fmt.Errorf("stream %s: kind is required", cfg.Name)
	}
	if handler == nil {
		return nil, fmt.Errorf("stream %s: handler is required", cfg.Name)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HandoffCheck <= 0 {
		cfg.HandoffCheck = defaultHandoffCheck
	}
	if cfg.Liveness.SamplesPerSymbol <= 0 {
		cfg.Liveness.SamplesPerSymbol = 100
	}

	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.LocalIP != "" {
		ip := net.ParseIP(cfg.LocalIP)
		if ip == nil {
			return nil, fmt.Errorf("stream %s: invalid local ip %q", cfg.Name, cfg.LocalIP)
		}
		dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
	}

	s := &Stream{
		cfg:     cfg,
		demux:   processor.NewDemux(cfg.Kind, cfg.Symbols),
		handler: handler,
		dialer:  dialer,
		log: logger.GetLogger().WithComponent(handler.Component()).WithFields(logger.Fields{
			"stream":   cfg.Name,
			"local_ip": cfg.LocalIP,
		}),
	}
	s.coord = hotswap.NewCoordinator(cfg.Name, cfg.Hotswap, s.runInstance)
	return s, nil
}

func (s *Stream) Name() string { return s.cfg.Name }

// Coordinator exposes the hotswap state for status reporting.
func (s *Stream) Coordinator() *hotswap.Coordinator { return s.coord }

// Start launches the main connection.
func (s *Stream) Start(ctx context.Context) { s.coord.Start(ctx) }

// Wait blocks until every connection instance has returned.
func (s *Stream) Wait() { s.coord.Wait() }

// URL builds the combined-stream endpoint for the given port.
func (s *Stream) URL(port string) string {
	base := strings.ReplaceAll(s.cfg.URL, "{port}", port)
	tags := make([]string, 0, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		tags = append(tags, processor.StreamTag(sym, s.cfg.Kind))
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "streams=" + strings.Join(tags, "/")
}

func (s *Stream) newGapTracker() *processor.GapTracker {
	l := s.cfg.Liveness
	return processor.NewGapTracker(l.SamplesPerSymbol*len(s.cfg.Symbols), l.Multiplier, l.Min, l.Max, l.Default)
}

// runInstance is the life of one connection instance: connect, consume,
// reconnect with backoff, until the instance hands off or ctx ends.
func (s *Stream) runInstance(ctx context.Context, role *hotswap.Role) {
	log := s.log.WithFields(logger.Fields{"instance": role.ID, "backup": role.IsBackup()})
	session := s.handler.NewSession(role)
	retrier := backoff.NewRetrier(s.cfg.Backoff)
	gaps := s.newGapTracker()

	for {
		if ctx.Err() != nil || role.State() == hotswap.StateTerminated {
			return
		}
		if err := s.coord.WaitTurn(ctx); err != nil {
			return
		}
		port := s.coord.NextPort()
		url := s.URL(port)

		conn, _, err := s.dialer.DialContext(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := retrier.Delay()
			log.WithError(err).WithFields(logger.Fields{
				"port":    port,
				"attempt": retrier.Attempt(),
				"retry":   delay.String(),
			}).Warn("failed to connect")
			if s.sleep(ctx, role, delay) {
				return
			}
			continue
		}

		state := role.Connected(port, time.Now())
		connLog := log.WithFields(logger.Fields{"port": port, "role": state.String()})
		connLog.Info("connected")
		if state == hotswap.StateActive {
			s.coord.ScheduleBackup(ctx, role)
		}

		gaps.Restart()
		pingCancel := startPingLoop(ctx, conn, s.cfg.PingInterval, connLog)
		received, err := s.consume(ctx, conn, role, session, gaps, connLog)
		pingCancel()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if role.State() == hotswap.StateTerminated {
			connLog.WithField("messages", received).Info("connection handed off")
			return
		}
		if received > 0 {
			retrier.Reset()
		}

		wasActive := role.IsActive()
		if wasActive && s.coord.ReadyForHandoff() && s.coord.CommitHotswap(role) {
			metrics.EmitHandoffMetric(logger.GetLogger(), s.cfg.Name)
			connLog.WithError(err).Warn("connection lost, failed over to standby backup")
			return
		}
		role.Disconnected()
		session.Disconnected(wasActive)

		delay := retrier.Delay()
		logReadEnd(connLog.WithFields(logger.Fields{
			"messages": received,
			"attempt":  retrier.Attempt(),
			"retry":    delay.String(),
		}), err)
		if s.sleep(ctx, role, delay) {
			return
		}
	}
}

type frame struct {
	data []byte
	at   time.Time
}

// consume reads frames until the connection fails, times out, or the instance
// is handed off. It returns the number of frames received.
func (s *Stream) consume(ctx context.Context, conn *websocket.Conn, role *hotswap.Role, session Session, gaps *processor.GapTracker, log *logger.Entry) (int, error) {
	frames := make(chan frame, frameBuffer)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame{data: data, at: time.Now()}:
			case <-stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.HandoffCheck)
	defer ticker.Stop()
	timeout := gaps.Timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	promoted := role.Promoted()
	received := 0
	warnedLate := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()

		case <-role.Done():
			return received, nil

		case <-promoted:
			promoted = nil
			log.Info("promoted to active")
			session.Promoted(ctx)
			s.coord.ScheduleBackup(ctx, role)

		case now := <-ticker.C:
			due, late := s.handoffDue(role, now)
			if due && s.coord.CommitHotswap(role) {
				metrics.EmitHandoffMetric(logger.GetLogger(), s.cfg.Name)
				return received, nil
			}
			if late && !warnedLate {
				warnedLate = true
				log.WithField("age", role.Age(now).Round(time.Millisecond).String()).
					Warn("refresh period reached without a ready backup, keeping connection")
			}

		case <-timer.C:
			return received, fmt.Errorf("%w (%s)", ErrReadTimeout, timeout)

		case err := <-readErr:
			return received, err

		case f := <-frames:
			received++
			gaps.Observe(f.at)
			s.dispatch(ctx, session, f, log)

			timeout = gaps.Timeout()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		}
	}
}

// handoffDue reports whether the active role has reached the refresh period
// with a standby ready (due) or without one (late).
func (s *Stream) handoffDue(role *hotswap.Role, now time.Time) (due, late bool) {
	if !role.IsActive() || !s.coord.Enabled() || role.Age(now) < s.coord.RefreshPeriod() {
		return false, false
	}
	if s.coord.ReadyForHandoff() {
		return true, false
	}
	return false, true
}

func (s *Stream) dispatch(ctx context.Context, session Session, f frame, log *logger.Entry) {
	symbol, data, err := s.demux.Route(f.data)
	if err == nil {
		err = session.Handle(ctx, symbol, data, f.at)
	}
	switch {
	case err == nil:
	case errors.Is(err, processor.ErrStaleUpdate):
		log.WithError(err).WithField("symbol", symbol).Debug("update dropped")
	default:
		log.WithError(err).WithField("symbol", symbol).Warn("message rejected")
	}
}

// sleep waits for d and reports whether the instance should stop instead.
func (s *Stream) sleep(ctx context.Context, role *hotswap.Role, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-role.Done():
		return true
	case <-timer.C:
		return false
	}
}

func logReadEnd(log *logger.Entry, err error) {
	if err == nil {
		log.Warn("connection closed")
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.WithError(err).Info("server closed connection")
		return
	}
	log.WithError(err).Warn("connection lost")
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
