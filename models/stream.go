package models

import jsoniter "github.com/json-iterator/go"

// StreamMessage is the combined-stream envelope: {"stream": "<tag>", "data": {...}}.
type StreamMessage struct {
	Stream string              `json:"stream"`
	Data   jsoniter.RawMessage `json:"data"`
}

// DepthPayload is a partial book depth message (depth5/10/20). Pointer and
// nil-able fields let the decoder tell a missing field from a zero value.
type DepthPayload struct {
	LastUpdateID *int64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// AggTradePayload is an aggregate trade message.
type AggTradePayload struct {
	EventType  string  `json:"e"`
	EventTime  *int64  `json:"E"`
	Symbol     string  `json:"s"`
	AggTradeID *int64  `json:"a"`
	Price      *string `json:"p"`
	Quantity   *string `json:"q"`
	IsMaker    *bool   `json:"m"`
}

// DiffDepthPayload is a diff depth message. Only the fields needed for latency
// measurement are decoded.
type DiffDepthPayload struct {
	EventType     string `json:"e"`
	EventTime     *int64 `json:"E"`
	Symbol        string `json:"s"`
	FirstUpdateID *int64 `json:"U"`
	FinalUpdateID *int64 `json:"u"`
}
