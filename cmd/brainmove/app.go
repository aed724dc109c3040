package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/brainmove/internal/device"
	goble "github.com/srg/brainmove/internal/device/go-ble"
	"github.com/srg/brainmove/internal/device/mqtt"
	"github.com/srg/brainmove/internal/groutine"
	"github.com/srg/brainmove/internal/presentation"
	"github.com/srg/brainmove/internal/protocol"
	"github.com/srg/brainmove/internal/registry"
	"github.com/srg/brainmove/internal/worker"
	"github.com/srg/brainmove/pkg/config"
	"github.com/srg/brainmove/scanner"
)

// app is the wiring shared by every command.
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	sink      presentation.Sink
	transport device.Transport
	registry  *registry.Registry
	hub       *presentation.Hub

	closers []func()
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if t, _ := cmd.Flags().GetString("transport"); t != "" {
		cfg.Transport = strings.ToLower(t)
	}
	if cmd.Flags().Lookup("listen") != nil {
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
	}
	if colors, _ := cmd.Flags().GetStringSlice("colors"); len(colors) > 0 {
		cfg.Colors = config.SplitColors(strings.Join(colors, ","))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp builds the transport and registry. sinks receive every presentation
// event in addition to the debug log.
func newApp(cmd *cobra.Command, sinks ...presentation.Sink) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if cfg.ListenAddr != "" {
		a.hub = presentation.NewHub(logger)
		sinks = append(sinks, a.hub)
	}
	a.sink = presentation.Multi(append(sinks, presentation.NewLogSink(logger))...)

	transport, address, err := a.newTransport()
	if err != nil {
		return nil, err
	}
	a.transport = transport
	a.registry = registry.New(transport, a.registryOptions(), a.sink, logger)
	a.registry.Seed(address)
	a.onClose(func() { _ = a.registry.Close() })
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) codec() protocol.Codec {
	layout := protocol.LayoutCompact
	if a.cfg.TimestampedFrames {
		layout = protocol.LayoutTimestamped
	}
	return protocol.NewCodec(a.cfg.SafetyByte, layout)
}

// newTransport returns the configured transport and, when cone addresses are
// known without discovery, the address of each colour.
func (a *app) newTransport() (device.Transport, func(string) string, error) {
	switch a.cfg.Transport {
	case config.TransportMQTT:
		t := mqtt.NewTransport(mqtt.Config{
			Broker:         a.cfg.MQTT.Broker,
			ClientID:       a.cfg.MQTT.ClientID,
			Username:       a.cfg.MQTT.Username,
			Password:       a.cfg.MQTT.Password,
			TopicPrefix:    a.cfg.MQTT.TopicPrefix,
			QoS:            a.cfg.MQTT.QoS,
			ConnectTimeout: a.cfg.ConnectTimeout,
			Colors:         a.cfg.Colors,
		}, a.logger)
		a.onClose(t.Close)
		return t, t.Topics().Command, nil

	case config.TransportBLE:
		opts := goble.DefaultOptions()
		opts.Codec = a.codec()
		pool := worker.NewPool(a.logger, worker.DefaultQueueSize)
		a.onClose(pool.Close)
		t := worker.Isolate(goble.NewTransport(opts, a.logger), pool, a.logger)

		// with every cone trusted the addresses are known up front
		var address func(string) string
		if len(a.cfg.Trusted) == len(a.cfg.Colors) {
			address = func(color string) string { return a.cfg.Trusted[color] }
		}
		return t, address, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", a.cfg.Transport)
	}
}

func (a *app) registryOptions() registry.Options {
	opts := registry.DefaultOptions()
	opts.Colors = a.cfg.Colors
	opts.KeepaliveInterval = a.cfg.KeepaliveInterval
	opts.HealthTimeout = a.cfg.HealthTimeout

	opts.Cone.MaxAttempts = a.cfg.ReconnectMaxAttempts
	opts.Cone.ReconnectDelay = a.cfg.ReconnectDelay
	opts.Cone.ConnectTimeout = a.cfg.ConnectTimeout
	// a BLE cone is only trusted once it has sent a valid frame
	opts.Cone.RequireHandshake = a.cfg.Transport == config.TransportBLE

	scan := scanner.DefaultScanOptions()
	scan.Duration = a.cfg.ScanTimeout
	scan.NamePrefix = a.cfg.NamePrefix
	scan.Strict = a.cfg.StrictWhitelist
	scan.Trusted = a.cfg.TrustedByAddress()
	scan.Colors = a.cfg.Colors
	opts.Scan = scan
	return opts
}

// serve runs the websocket hub, if configured, until the app is closed.
func (a *app) serve(ctx context.Context) {
	if a.hub == nil {
		return
	}
	hub, addr := a.hub, a.cfg.ListenAddr
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	groutine.Go(ctx, "hub-http", func(ctx context.Context) {
		a.logger.WithField("addr", addr).Info("Websocket hub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Websocket hub stopped")
		}
	})
	a.onClose(func() {
		hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			fmt.Println("\nCtrl+C pressed, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
