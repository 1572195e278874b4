package xframe

import (
	"time"

	"github.com/gorilla/websocket"
)

func defaultQueueConfig() QueueConfig {
	return QueueConfig{
		Size:       256,
		DropPolicy: DropNewest,
	}
}

func defaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:    30 * time.Second,
		PongTimeout: 60 * time.Second,
		WriteWait:   10 * time.Second,
		ReadLimit:   1024 * 1024,
	}
}

func (cfg QueueConfig) withDefaults() QueueConfig {
	def := defaultQueueConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = def.DropPolicy
	}
	return cfg
}

func (cfg HeartbeatConfig) withDefaults() HeartbeatConfig {
	def := defaultHeartbeatConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return cfg
}

// prepareRead arms the read deadline and extends it on every pong.
func (c *Conn) prepareRead() {
	c.ws.SetReadLimit(c.cfg.heartbeat.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.heartbeat.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.heartbeat.PongTimeout))
	})
}

// writeLoop drains the send queue and pings the peer every interval.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.writeFrame(websocket.TextMessage, msg); err != nil {
				c.closeWith(DisconnectWriteError)
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(websocket.PingMessage, nil); err != nil {
				c.closeWith(DisconnectWriteError)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeFrame(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.heartbeat.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}
