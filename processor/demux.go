// Package processor turns raw combined-stream frames into records. Everything
// here is pure bookkeeping; no I/O and no goroutines.
package processor

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"feedarchive/models"
)

// Binance payloads carry fields that differ only by case ("e"/"E", "U"/"u").
var json = jsoniter.Config{CaseSensitive: true}.Froze()

var (
	// ErrMalformed marks a frame that is not a combined-stream envelope.
	ErrMalformed = errors.New("malformed stream message")
	// ErrUnexpectedStream marks a stream tag for an unknown symbol or kind.
	ErrUnexpectedStream = errors.New("unexpected stream")
	// ErrMissingField marks a payload lacking a required field.
	ErrMissingField = errors.New("missing required field")
	// ErrStaleUpdate marks an out-of-order or duplicate update.
	ErrStaleUpdate = errors.New("stale update")
)

// StreamTag builds the "{symbol}@{kind}" tag the exchange expects.
func StreamTag(symbol, kind string) string {
	return strings.ToLower(symbol) + "@" + kind
}

// SplitStreamTag splits "btcusdc@depth20@100ms" into ("btcusdc", "depth20@100ms").
func SplitStreamTag(tag string) (symbol, kind string, err error) {
	i := strings.IndexByte(tag, '@')
	if i <= 0 || i == len(tag)-1 {
		return "", "", fmt.Errorf("%w: tag %q", ErrUnexpectedStream, tag)
	}
	return tag[:i], tag[i+1:], nil
}

// Demux validates combined-stream envelopes for one stream kind and a fixed
// symbol set.
type Demux struct {
	kind    string
	symbols map[string]struct{}
}

// NewDemux builds a Demux accepting kind for the given symbols.
func NewDemux(kind string, symbols []string) *Demux {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[strings.ToLower(s)] = struct{}{}
	}
	return &Demux{kind: kind, symbols: set}
}

// Kind returns the accepted stream kind.
func (d *Demux) Kind() string { return d.kind }

// Route decodes the envelope and returns the symbol and its raw payload.
func (d *Demux) Route(raw []byte) (string, jsoniter.RawMessage, error) {
	var msg models.StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Stream == "" || len(msg.Data) == 0 {
		return "", nil, fmt.Errorf("%w: stream or data absent", ErrMalformed)
	}
	symbol, kind, err := SplitStreamTag(msg.Stream)
	if err != nil {
		return "", nil, err
	}
	if kind != d.kind {
		return "", nil, fmt.Errorf("%w: kind %q", ErrUnexpectedStream, kind)
	}
	if _, ok := d.symbols[symbol]; !ok {
		return "", nil, fmt.Errorf("%w: symbol %q", ErrUnexpectedStream, symbol)
	}
	return symbol, msg.Data, nil
}
