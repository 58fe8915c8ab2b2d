// Command usbtunnel-device runs the device side of the tunnel: it claims
// a native USB device, accepts one guest connection at a time over TCP
// (optionally authenticated), and serves an admin status API alongside
// it: load config, build the logger, start the accept loop and the admin
// API, then wait for a shutdown signal and stop both. Each connection runs
// its event pump and wire pump under one errgroup.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"usbtunnel/internal/adminapi"
	"usbtunnel/internal/config"
	"usbtunnel/internal/engine"
	"usbtunnel/internal/filter"
	"usbtunnel/internal/logging"
	"usbtunnel/internal/protocol"
	"usbtunnel/internal/transport"
	"usbtunnel/internal/tunnelio"
	"usbtunnel/internal/usbnative"
)

const protocolVersion = "usbtunnel-1"

// rwc combines a possibly-encrypted Reader/Writer pair with the
// underlying net.Conn's Closer, since transport.SecureConn wraps a
// connection without itself exposing Close.
type rwc struct {
	io.Reader
	io.Writer
	io.Closer
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "usbtunnel-device:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(slog.LevelInfo, "device", "main")
	logf := logging.ProtocolBridge(logger)

	caps := capabilitySetFromNames(cfg.Capabilities)
	rules, defaultAllow, err := loadFilterRules(cfg.FilterRuleFile)
	if err != nil {
		return fmt.Errorf("load filter rules: %w", err)
	}
	quirks, err := loadQuirkFile(cfg.QuirkFile)
	if err != nil {
		return fmt.Errorf("load quirk file: %w", err)
	}

	var authKey []byte
	if cfg.AuthKeyHex != "" {
		authKey, err = decodeAuthKey(cfg.AuthKeyHex)
		if err != nil {
			return fmt.Errorf("decode auth key: %w", err)
		}
	}

	state := &adminapi.DeviceState{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var busy sync.Mutex
	handle := func(conn net.Conn) {
		if !busy.TryLock() {
			logger.Warn("rejecting guest: a connection is already active", "peer", conn.RemoteAddr())
			conn.Close()
			return
		}
		defer busy.Unlock()
		handleConnection(ctx, conn, cfg, caps, rules, defaultAllow, quirks, authKey, logger, logf, state)
	}
	listener := transport.NewListener(cfg.ListenAddr, handle)
	if err := listener.Start(); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	logger.Info("listening", "addr", cfg.ListenAddr)

	var adminSrv *adminapi.Server
	if cfg.AdminAddr != "" {
		adminSrv = adminapi.NewDeviceServer(cfg.AdminAddr, state)
		adminErrc := make(chan error, 1)
		adminSrv.Start(adminErrc)
		logger.Info("admin api listening", "addr", cfg.AdminAddr)
		go func() {
			if err := <-adminErrc; err != nil {
				logger.Error("admin api failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := listener.Stop(); err != nil {
		logger.Warn("listener stop error", "error", err)
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(); err != nil {
			logger.Warn("admin api shutdown error", "error", err)
		}
	}
	return nil
}

// handleConnection owns one guest connection's full lifetime: claim the
// native device, run the wire protocol until the connection ends, then
// detach. Only one connection is ever live at a time (state holds a
// single *engine.Engine), matching the device side's single-client
// contract.
func handleConnection(
	ctx context.Context,
	conn net.Conn,
	cfg *config.Config,
	caps protocol.CapabilitySet,
	rules []filter.Rule,
	defaultAllow bool,
	quirks []usbnative.Quirk,
	authKey []byte,
	logger *slog.Logger,
	logf func(protocol.LogLevel, string),
	state *adminapi.DeviceState,
) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	logger.Info("guest connected", "peer", peer)
	defer logger.Info("guest disconnected", "peer", peer)

	var pumpConn io.ReadWriteCloser = conn
	if authKey != nil {
		secure, err := transport.NewSecureConn(conn, authKey, true)
		if err != nil {
			logger.Error("secure channel setup failed", "error", err)
			return
		}
		pumpConn = rwc{Reader: secure, Writer: secure, Closer: conn}
	}

	driver := usbnative.NewGousbDriver()
	e := engine.New(driver, nil, cfg.VendorID, cfg.ProductID, logf)
	for _, q := range quirks {
		e.AddQuirk(q)
	}
	parser := protocol.New(protocol.RoleDevice, e)
	e.SetParser(parser)
	parser.Init(protocolVersion, caps, protocol.Flags{})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.Attach(connCtx, rules, defaultAllow); err != nil {
		logger.Error("attach failed", "error", err)
		return
	}
	state.Set(e)
	defer func() {
		state.Set(nil)
		if err := e.Detach(); err != nil {
			logger.Warn("detach error", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error {
		return e.RunEvents(gctx)
	})
	g.Go(func() error {
		err := tunnelio.Run(connCtx, pumpConn, parser, func(pe *protocol.ParseError) {
			logger.Warn("parse error", "error", pe)
		})
		cancel()
		return err
	})
	if err := g.Wait(); err != nil && connCtx.Err() == nil {
		logger.Warn("connection ended", "error", err)
	}
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

// loadFilterRules reads a rule file of comma-separated 5-tuples, one per
// line, in "class,vendor,product,bcdDevice,allow" form (-1 wildcards a
// numeric field). An empty path means no rules and an allow-everything
// default.
func loadFilterRules(path string) ([]filter.Rule, bool, error) {
	if path == "" {
		return nil, true, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	rules, err := filter.ParseRules(string(data), ",", "\n")
	if err != nil {
		return nil, false, err
	}
	return rules, false, nil
}

// loadQuirkFile reads operator-added reset-quirk overrides, one per line
// as "vendor:product" (hex, no 0x prefix) to suppress a bus reset for
// that device.
func loadQuirkFile(path string) ([]usbnative.Quirk, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var quirks []usbnative.Quirk
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("quirk file: malformed line %q", line)
		}
		vendor, err := parseHexUint16(parts[0])
		if err != nil {
			return nil, fmt.Errorf("quirk file: %w", err)
		}
		product, err := parseHexUint16(parts[1])
		if err != nil {
			return nil, fmt.Errorf("quirk file: %w", err)
		}
		quirks = append(quirks, usbnative.Quirk{VendorID: vendor, ProductID: product, SuppressReset: true})
	}
	return quirks, nil
}

func parseHexUint16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", s, err)
	}
	return uint16(v), nil
}

func decodeAuthKey(hexKey string) ([]byte, error) {
	return hex.DecodeString(hexKey)
}
