package xframe

import "time"

// Metrics receives counters from messengers and transports. Labels are
// message types or short reason strings.
type Metrics interface {
	IncMessagesIn(msgType string)
	IncMessagesOut(msgType string)
	IncDropped(reason string)
	IncErrors(kind string)
	ObserveRequestLatency(msgType string, d time.Duration)
}

const (
	dropOriginMismatch   = "origin_mismatch"
	dropMalformed        = "malformed"
	dropUnmatched        = "unmatched_response"
	dropUnhandled        = "unhandled_type"
	dropTargetOrigin     = "target_origin"
	dropQueueFull        = "queue_full"
	errKindTimeout       = "timeout"
	errKindRemote        = "remote"
	errKindHandler       = "handler"
	errKindDestination   = "destination"
	errKindPost          = "post"
	errKindUnmarshal     = "unmarshal"
	labelResponse        = "response"
	labelMalformedRecord = "-"
)

type noopMetrics struct{}

func (noopMetrics) IncMessagesIn(string)                        {}
func (noopMetrics) IncMessagesOut(string)                       {}
func (noopMetrics) IncDropped(string)                           {}
func (noopMetrics) IncErrors(string)                            {}
func (noopMetrics) ObserveRequestLatency(string, time.Duration) {}

// Stats is a point-in-time view of a messenger.
type Stats struct {
	InMessages  uint64 `json:"in_messages"`
	OutMessages uint64 `json:"out_messages"`
	Dropped     uint64 `json:"dropped"`
	Unhandled   uint64 `json:"unhandled"`
	Timeouts    uint64 `json:"timeouts"`
	Errors      uint64 `json:"errors"`
	Pending     int    `json:"pending"`
	Handlers    int    `json:"handlers"`
}

func envelopeLabel(env Envelope) string {
	switch env.Kind() {
	case KindCommand:
		return env.Type
	case KindResponse:
		return labelResponse
	default:
		return labelMalformedRecord
	}
}
