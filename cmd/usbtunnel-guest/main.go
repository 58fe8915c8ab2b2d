// Command usbtunnel-guest runs the guest side of the tunnel: it dials a
// usbtunnel-device listener, tracks the negotiated device/endpoint state
// through a guest.Session, and serves an admin status/control API. It is
// usbtunnel-device's mirror — same config, logging, and admin API shapes,
// reconnecting to the device side instead of accepting from it.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"usbtunnel/internal/adminapi"
	"usbtunnel/internal/config"
	"usbtunnel/internal/guest"
	"usbtunnel/internal/logging"
	"usbtunnel/internal/protocol"
	"usbtunnel/internal/transport"
	"usbtunnel/internal/tunnelio"
)

const protocolVersion = "usbtunnel-1"

// reconnectDelay is how long the guest waits before re-dialing after the
// device-side connection drops, to avoid hot-looping against an
// unreachable or still-restarting device side.
const reconnectDelay = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "usbtunnel-guest:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(slog.LevelInfo, "guest", "main")
	logf := logging.ProtocolBridge(logger)

	caps := capabilitySetFromNames(cfg.Capabilities)

	var authKey []byte
	if cfg.AuthKeyHex != "" {
		authKey, err = hex.DecodeString(cfg.AuthKeyHex)
		if err != nil {
			return fmt.Errorf("decode auth key: %w", err)
		}
	}

	state := &adminapi.GuestState{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var adminSrv *adminapi.Server
	if cfg.AdminAddr != "" {
		adminSrv = adminapi.NewGuestServer(cfg.AdminAddr, state)
		adminErrc := make(chan error, 1)
		adminSrv.Start(adminErrc)
		logger.Info("admin api listening", "addr", cfg.AdminAddr)
		go func() {
			if err := <-adminErrc; err != nil {
				logger.Error("admin api failed", "error", err)
			}
		}()
		defer func() {
			if err := adminSrv.Shutdown(); err != nil {
				logger.Warn("admin api shutdown error", "error", err)
			}
		}()
	}

	for ctx.Err() == nil {
		if err := runSession(ctx, cfg, caps, authKey, logger, logf, state); err != nil {
			logger.Warn("session ended", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(reconnectDelay):
		}
	}
	logger.Info("shutting down")
	return nil
}

// runSession dials the device side once and runs the wire protocol until
// the connection ends.
func runSession(
	ctx context.Context,
	cfg *config.Config,
	caps protocol.CapabilitySet,
	authKey []byte,
	logger *slog.Logger,
	logf func(protocol.LogLevel, string),
	state *adminapi.GuestState,
) error {
	conn, err := transport.Dial(ctx, cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ListenAddr, err)
	}
	defer conn.Close()
	logger.Info("connected to device side", "addr", cfg.ListenAddr)

	var pumpConn io.ReadWriteCloser = conn
	if authKey != nil {
		secure, err := transport.NewSecureConn(conn, authKey, false)
		if err != nil {
			return fmt.Errorf("secure channel setup: %w", err)
		}
		pumpConn = rwc{Reader: secure, Writer: secure, Closer: conn}
	}

	sess := guest.New(nil, logf)
	parser := protocol.New(protocol.RoleGuest, sess)
	sess.SetParser(parser)
	parser.Init(protocolVersion, caps, protocol.Flags{})

	state.Set(sess)
	defer state.Set(nil)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, _ := errgroup.WithContext(connCtx)
	g.Go(func() error {
		return tunnelio.Run(connCtx, pumpConn, parser, func(pe *protocol.ParseError) {
			logger.Warn("parse error", "error", pe)
		})
	})
	return g.Wait()
}

// rwc combines a possibly-encrypted Reader/Writer pair with the
// underlying net.Conn's Closer, since transport.SecureConn wraps a
// connection without itself exposing Close.
type rwc struct {
	io.Reader
	io.Writer
	io.Closer
}

func capabilitySetFromNames(names []string) protocol.CapabilitySet {
	var bits []int
	for _, n := range names {
		if bit, ok := protocol.CapByName(n); ok {
			bits = append(bits, bit)
		}
	}
	return protocol.NewCapabilitySet(bits...)
}
