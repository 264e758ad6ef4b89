package binance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"feedarchive/logger"
)

// CheckResult summarizes the startup checks against the REST API.
type CheckResult struct {
	ClockSkew time.Duration
	Symbols   []string
	Halted    []string
}

// Exchange runs read-only REST checks before any stream connects.
type Exchange struct {
	client  *gobinance.Client
	maxSkew time.Duration
	log     *logger.Entry
}

// NewExchange builds an unauthenticated client. An empty baseURL keeps the
// library default.
func NewExchange(baseURL string, maxSkew time.Duration) *Exchange {
	client := gobinance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Exchange{
		client:  client,
		maxSkew: maxSkew,
		log:     logger.GetLogger().WithComponent("exchange"),
	}
}

// ClockSkew returns local time minus server time, corrected by half the
// request round trip.
func (e *Exchange) ClockSkew(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	serverMs, err := e.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("server time: %w", err)
	}
	rtt := time.Since(start)
	local := start.Add(rtt / 2)
	return local.Sub(time.UnixMilli(serverMs)), nil
}

// ValidateSymbols fails when any symbol is unknown to the exchange. Symbols
// that exist but are not trading are reported in the result.
func (e *Exchange) ValidateSymbols(ctx context.Context, symbols []string) ([]string, error) {
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	status := make(map[string]string, len(info.Symbols))
	for _, s := range info.Symbols {
		status[strings.ToLower(s.Symbol)] = s.Status
	}

	var unknown, halted []string
	for _, sym := range symbols {
		st, ok := status[strings.ToLower(sym)]
		switch {
		case !ok:
			unknown = append(unknown, sym)
		case st != "TRADING":
			halted = append(halted, sym)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return halted, fmt.Errorf("unknown symbols: %s", strings.Join(unknown, ","))
	}
	return halted, nil
}

// Check runs every startup check. Clock skew above the limit is only logged.
func (e *Exchange) Check(ctx context.Context, symbols []string) (CheckResult, error) {
	res := CheckResult{Symbols: symbols}

	skew, err := e.ClockSkew(ctx)
	if err != nil {
		return res, err
	}
	res.ClockSkew = skew
	log := e.log.WithField("clock_skew_ms", skew.Milliseconds())
	if e.maxSkew > 0 && (skew > e.maxSkew || skew < -e.maxSkew) {
		log.WithField("max_skew_ms", e.maxSkew.Milliseconds()).Warn("local clock drifts from exchange time")
	} else {
		log.Info("exchange clock checked")
	}

	halted, err := e.ValidateSymbols(ctx, symbols)
	res.Halted = halted
	if err != nil {
		return res, err
	}
	if len(halted) > 0 {
		e.log.WithField("symbols", halted).Warn("symbols are not trading")
	}
	e.log.WithField("symbols", len(symbols)).Info("symbols validated")
	return res, nil
}
