package xframe

import (
	"context"
	"time"
)

type ConnID string

type DropPolicy string

const (
	DropNewest        DropPolicy = "drop_newest"
	DropOldest        DropPolicy = "drop_oldest"
	DropAndDisconnect DropPolicy = "drop_and_disconnect"
)

type DisconnectReason string

const (
	DisconnectNormal       DisconnectReason = "normal"
	DisconnectReadError    DisconnectReason = "read_error"
	DisconnectWriteError   DisconnectReason = "write_error"
	DisconnectSlowConsumer DisconnectReason = "slow_consumer"
	DisconnectServerStop   DisconnectReason = "server_shutdown"
	DisconnectRejected     DisconnectReason = "rejected"
)

// QueueConfig bounds the outbound queue of a websocket connection.
type QueueConfig struct {
	Size       int        `yaml:"size" toml:"size"`
	DropPolicy DropPolicy `yaml:"drop_policy" toml:"drop_policy"`
}

type HeartbeatConfig struct {
	Interval    time.Duration
	PongTimeout time.Duration
	WriteWait   time.Duration
	ReadLimit   int64
}

// OnConnectHook runs after the upgrade and before the connection starts
// reading. Returning an error closes the connection.
type OnConnectHook func(ctx context.Context, c *Conn) error

type OnDisconnectHook func(ctx context.Context, c *Conn, reason DisconnectReason)
