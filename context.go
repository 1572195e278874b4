package xframe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Context is handed to every handler invocation.
type Context struct {
	context.Context
	Messenger *Messenger

	// Origin is the authenticated origin of the sender.
	Origin string
	// Source is the destination id the sender is registered under, or ""
	// when the messenger has a single destination or the origin is unknown.
	Source   string
	Envelope Envelope

	replied atomic.Bool
}

func (c *Context) Type() string { return c.Envelope.Type }

func (c *Context) Payload() json.RawMessage { return c.Envelope.Payload }

func (c *Context) RequestID() string { return c.Envelope.RequestID }

// Bind decodes the payload into v.
func (c *Context) Bind(v any) error {
	if len(c.Envelope.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Envelope.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Reply answers the request that carried this envelope.
func (c *Context) Reply(payload any) error {
	return c.reply(payload, "")
}

// ReplyError answers the request with an error message.
func (c *Context) ReplyError(msg string) error {
	return c.reply(nil, msg)
}

// Replied reports whether Reply or ReplyError has been called.
func (c *Context) Replied() bool { return c.replied.Load() }

func (c *Context) reply(payload any, errMsg string) error {
	if c.Envelope.RequestID == "" {
		return fmt.Errorf("%w: %q carries no request id", ErrInvalidEnvelope, c.Envelope.Type)
	}
	c.replied.Store(true)
	return c.Messenger.respondVia(c.Source, c.Envelope.RequestID, payload, errMsg)
}
