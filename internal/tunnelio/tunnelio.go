// Package tunnelio drives one tunnel connection's read/write sides against
// a *protocol.Parser: a pair of read/write callbacks plus event loop
// integration. This package is the minimal concrete event loop the
// device- and guest-side shells both use to satisfy that collaborator,
// since the parser half (internal/protocol) is symmetric on both sides and
// so is the plumbing around it — only the Handlers bound to the Parser
// differs between the two binaries.
package tunnelio

import (
	"context"
	"io"
	"time"

	"usbtunnel/internal/protocol"
)

// writerPollInterval governs how promptly a queued Send* reaches the wire.
// The codec exposes no "queue became non-empty" signal — write_buf
// accounting is pull-based — so the writer side polls at a short, fixed
// interval instead of spinning.
const writerPollInterval = 2 * time.Millisecond

// Run pumps conn through parser until conn is closed (by the peer, or by
// ctx being cancelled) or a fatal transport error occurs. Malformed frames
// are reported through onParseError (may be nil) and do not end the
// connection, matching the codec's own skip-mode recovery contract.
func Run(ctx context.Context, conn io.ReadWriteCloser, parser *protocol.Parser, onParseError func(*protocol.ParseError)) error {
	writerDone := make(chan struct{})
	defer close(writerDone)
	go runWriter(conn, parser, writerDone)

	closeOnCancel := make(chan struct{})
	defer close(closeOnCancel)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closeOnCancel:
		}
	}()

	for {
		n, err := parser.DoRead(conn.Read)
		if err != nil {
			if pe, ok := err.(*protocol.ParseError); ok {
				if onParseError != nil {
					onParseError(pe)
				}
				continue
			}
			return err
		}
		if n == 0 {
			continue // a clean would-block on a blocking conn should not happen, but is not fatal
		}
	}
}

func runWriter(conn io.Writer, parser *protocol.Parser, done <-chan struct{}) {
	ticker := time.NewTicker(writerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !parser.HasDataToWrite() {
				continue
			}
			if _, err := parser.DoWrite(conn.Write); err != nil {
				return
			}
		}
	}
}
