package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Skryldev/xframe"
	ginxframe "github.com/Skryldev/xframe/gin"
	"github.com/Skryldev/xframe/prom"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type greeting struct {
	Name string `json:"name"`
}

type relay struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type shout struct {
	Group string `json:"group"`
	Text  string `json:"text"`
}

func main() {
	configPath := flag.String("config", "", "path to a yaml or toml config file")
	flag.Parse()

	cfg, err := xframe.LoadConfig(*configPath)
	if err != nil {
		l := xframe.NewLogger("xframe-example", xframe.LogConfig{})
		l.Fatal().Err(err).Msg("load config")
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := xframe.NewServer(cfg.ServerOptions()...)

	opts := append(cfg.MessengerOptions(), xframe.WithMetrics(prom.New(cfg.App)), xframe.WithContext(ctx))
	host, err := xframe.NewHost(server, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("create host")
	}
	host.TrackConnections(server)
	host.Use(xframe.LoggingMiddleware(logger))

	// =========================
	// PING
	// =========================
	host.On("PING", func(c *xframe.Context) error {
		return c.Reply("PONG")
	})

	// =========================
	// HELLO: answer, then ask the child who it is
	// =========================
	host.On("HELLO", func(c *xframe.Context) error {
		var g greeting
		if err := c.Bind(&g); err != nil {
			return err
		}
		if err := c.Reply(greeting{Name: "host"}); err != nil {
			return err
		}

		go func(source string) {
			payload, err := host.RequestToTimeout(ctx, source, "WHOAMI", nil, 2*time.Second)
			if err != nil {
				logger.Warn().Err(err).Str("dest", source).Msg("whoami failed")
				return
			}
			logger.Info().Str("dest", source).RawJSON("answer", payload).Msg("whoami")
		}(c.Source)
		return nil
	})

	// =========================
	// Groups
	// =========================
	host.On("JOIN", func(c *xframe.Context) error {
		var s shout
		if err := c.Bind(&s); err != nil {
			return err
		}
		if err := host.JoinGroup(xframe.GroupID(s.Group), c.Source); err != nil {
			return err
		}
		return c.Reply(host.Groups().Members(xframe.GroupID(s.Group)))
	})

	host.On("SHOUT", func(c *xframe.Context) error {
		var s shout
		if err := c.Bind(&s); err != nil {
			return err
		}
		report, err := host.BroadcastTo(xframe.GroupID(s.Group), "SHOUT", s, c.Source)
		if err != nil {
			return err
		}
		return c.Reply(report)
	})

	// =========================
	// Bus: other relays reachable by channel
	// =========================
	bus, closeBus, err := cfg.OpenBus(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("open bus")
	}
	defer closeBus()

	endpoint, err := cfg.BusEndpoint(ctx, bus)
	if err != nil {
		logger.Fatal().Err(err).Msg("bus endpoint")
	}
	defer endpoint.Close()

	busHost, err := xframe.NewHost(endpoint, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("create bus host")
	}
	busHost.On("PING", func(c *xframe.Context) error {
		return c.Reply("PONG")
	})
	busHost.On("STATS", func(c *xframe.Context) error {
		return c.Reply(host.Stats())
	})

	host.On("RELAY", func(c *xframe.Context) error {
		var r relay
		if err := c.Bind(&r); err != nil {
			return err
		}
		if _, _, ok := busHost.Registry().Lookup(r.Channel); !ok {
			if err := busHost.RegisterDestination(r.Channel, endpoint.To(r.Channel), xframe.AnyOrigin); err != nil {
				return err
			}
		}
		if c.RequestID() == "" {
			return busHost.SendTo(r.Channel, r.Type, r.Payload)
		}
		answer, err := busHost.RequestTo(c, r.Channel, r.Type, r.Payload)
		if err != nil {
			return err
		}
		return c.Reply(answer)
	})

	server.OnConnect(func(_ context.Context, c *xframe.Conn) error {
		logger.Info().Str("conn_id", string(c.ID())).Str("origin", c.Origin()).Msg("child connected")
		return nil
	})
	server.OnDisconnect(func(_ context.Context, c *xframe.Conn, reason xframe.DisconnectReason) {
		logger.Info().Str("conn_id", string(c.ID())).Str("reason", string(reason)).Msg("child disconnected")
	})

	// =========================
	// HTTP + WebSocket
	// =========================
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ws", ginxframe.Handler(server))
	r.GET("/stats", ginxframe.Stats(host))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpServer := &http.Server{Addr: cfg.Listen, Handler: r}
	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("relay started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = busHost.Destroy()
	_ = host.Destroy()
	_ = server.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
}
