// Package engine is the device-side transfer engine and controller: it
// drives a usbnative.Driver in response to the packets a protocol.Parser
// decodes from the guest, and turns native completions back into outbound
// wire packets, following a "claim, configure, run, tear down" device
// lifecycle shape across the full USB transfer model.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"usbtunnel/internal/protocol"
	"usbtunnel/internal/usbnative"
)

// Engine owns one attached native device and the wire state machine
// talking about it. One Engine serves exactly one device connection.
type Engine struct {
	protocol.NopHandlers

	driver    usbnative.Driver
	parser    *protocol.Parser
	quirks    *quirkTable
	logf      func(protocol.LogLevel, string)
	sessionID uuid.UUID

	vendorID, productID uint16

	mu            sync.Mutex
	endpoints     [numSlots]endpointSlot
	transfers     *transferTable
	currentConfig uint8
	attached      bool
	decisionLog   []FilterDecision
	resetGroup    singleflight.Group
	resetLatch    bool

	disconnectMu sync.Mutex
	disconnected bool
}

// New builds an Engine around driver and parser. logf receives engine log
// lines in the same severities the parser itself uses; pass nil to
// discard them (tests usually do). Each Engine gets a random session id
// for correlating its log lines and admin API status across a device's
// connect/disconnect lifecycle.
func New(driver usbnative.Driver, parser *protocol.Parser, vendorID, productID uint16, logf func(protocol.LogLevel, string)) *Engine {
	if logf == nil {
		logf = func(protocol.LogLevel, string) {}
	}
	e := &Engine{
		driver:    driver,
		parser:    parser,
		quirks:    newQuirkTable(),
		logf:      logf,
		sessionID: uuid.New(),
		vendorID:  vendorID,
		productID: productID,
		transfers: newTransferTable(),
	}
	resetTable(&e.endpoints)
	return e
}

// SessionID identifies this Engine's device connection for logs and the
// admin status API.
func (e *Engine) SessionID() uuid.UUID {
	return e.sessionID
}

// SetParser (re)binds the Parser this Engine replies through. Production
// wiring has a construction-order cycle — the Parser needs its Handlers
// (the Engine) at construction, but New here took a *protocol.Parser
// argument — so callers that don't already have a parser may build the
// Engine with parser == nil and bind it once the Parser exists: per the
// parser↔engine design note, the engine exclusively owns the parser, which
// only holds a non-owning back-reference to it as its Handlers.
func (e *Engine) SetParser(parser *protocol.Parser) {
	e.parser = parser
}

// AddQuirk registers or overrides a per-(vendor,product) quirk, letting
// deployment config extend the built-in table.
func (e *Engine) AddQuirk(q usbnative.Quirk) {
	e.quirks.add(q)
}

// usbClearFeature and usbRecipientEndpoint are the standard USB control
// request constants needed to recognize CLEAR_FEATURE(ENDPOINT_HALT): the
// only control request the engine intercepts instead of forwarding.
const (
	usbClearFeature      = 0x01
	usbFeatureEndpoint   = 0x00
	usbRecipientMask     = 0x1f
	usbRecipientEndpoint = 0x02
)

// isClearHalt reports whether h is a standard CLEAR_FEATURE(ENDPOINT_HALT)
// request targeting an endpoint with no data stage. Forwarding this one
// verbatim as a control transfer would desync the OS's notion of the
// endpoint's halt state from what the engine's own stall recovery (which
// also calls ClearHalt) believes it to be.
func isClearHalt(h *protocol.ControlPacketHeader) bool {
	return h.Request == usbClearFeature &&
		h.Value == usbFeatureEndpoint &&
		h.RequestType&usbRecipientMask == usbRecipientEndpoint &&
		h.Length == 0
}

// noteSubmission clears the reset no-op latch: it is cleared the next time
// the engine issues any native transfer submission, so a reset followed
// immediately by another reset (nothing submitted in between) can still be
// told apart from a reset that followed real traffic.
func (e *Engine) noteSubmission() {
	e.mu.Lock()
	e.resetLatch = false
	e.mu.Unlock()
}

// ResetLatched reports whether the device has been reset since the last
// outbound submission.
func (e *Engine) ResetLatched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetLatch
}

// handleNoDevice fires device_disconnect exactly once per connection when a
// native completion reports the device is gone. Guarded by a lock distinct
// from e.mu so a completion callback observing this can never nest with
// whatever holds e.mu for ordinary endpoint/config bookkeeping.
func (e *Engine) handleNoDevice(status usbnative.TransferStatus) {
	if status != usbnative.StatusNoDevice {
		return
	}
	e.disconnectMu.Lock()
	already := e.disconnected
	e.disconnected = true
	e.disconnectMu.Unlock()
	if !already {
		e.parser.SendDeviceDisconnect()
	}
}

func translateStatus(s usbnative.TransferStatus) protocol.Status {
	switch s {
	case usbnative.StatusCompleted:
		return protocol.StatusSuccess
	case usbnative.StatusCancelled:
		return protocol.StatusCancelled
	case usbnative.StatusStall:
		return protocol.StatusStall
	case usbnative.StatusTimedOut:
		return protocol.StatusTimeout
	case usbnative.StatusOverflow:
		return protocol.StatusBabble
	case usbnative.StatusNoDevice:
		return protocol.StatusIOError
	default:
		return protocol.StatusIOError
	}
}

func translateSpeed(s usbnative.Speed) protocol.Speed {
	switch s {
	case usbnative.SpeedLow:
		return protocol.SpeedLow
	case usbnative.SpeedFull:
		return protocol.SpeedFull
	case usbnative.SpeedHigh:
		return protocol.SpeedHigh
	case usbnative.SpeedSuper:
		return protocol.SpeedSuper
	default:
		return protocol.SpeedUnknown
	}
}

// RunEvents pumps the native driver's event loop until ctx is cancelled.
// Callers run this on its own goroutine.
func (e *Engine) RunEvents(ctx context.Context) error {
	return e.driver.HandleEvents(ctx)
}

// --- one-shot OUT data packets (control/bulk/interrupt writes from the guest) ---

func (e *Engine) ControlPacket(id uint64, h *protocol.ControlPacketHeader, data []byte) {
	if isClearHalt(h) {
		err := e.driver.ClearHalt(h.Endpoint)
		st := protocol.StatusSuccess
		if err != nil {
			st = protocol.StatusIOError
		}
		e.parser.SendControlPacket(id, &protocol.ControlPacketHeader{Endpoint: h.Endpoint, Status: st}, nil)
		return
	}

	in := h.RequestType&0x80 != 0
	req := usbnative.ControlRequest{RequestType: h.RequestType, Request: h.Request, Value: h.Value, Index: h.Index}
	buf := data
	if in {
		buf = make([]byte, h.Length)
	}
	e.noteSubmission()
	pt := e.transfers.add(id, kindControl, h.Endpoint)
	nt, err := e.driver.SubmitControl(req, buf, in, func(status usbnative.TransferStatus, n int, _ []usbnative.IsoPacketResult) {
		e.completeControl(id, h.Endpoint, in, status, buf, n)
	})
	if err != nil {
		e.transfers.remove(id)
		e.parser.SendControlPacket(id, &protocol.ControlPacketHeader{Endpoint: h.Endpoint, Status: protocol.StatusIOError}, nil)
		return
	}
	e.transfers.setNative(pt, nt)
}

func (e *Engine) completeControl(id uint64, endpoint uint8, in bool, status usbnative.TransferStatus, buf []byte, n int) {
	e.handleNoDevice(status)
	pt, ok := e.transfers.remove(id)
	if !ok {
		return
	}
	if pt.silent {
		return
	}
	reply := &protocol.ControlPacketHeader{Endpoint: endpoint, Status: translateStatus(status)}
	var out []byte
	if in {
		reply.Length = uint16(n)
		out = buf[:n]
	}
	e.parser.SendControlPacket(id, reply, out)
}

func (e *Engine) BulkPacket(id uint64, h *protocol.BulkPacketHeader, data []byte) {
	e.noteSubmission()
	pt := e.transfers.add(id, kindBulk, h.Endpoint)
	nt, err := e.driver.SubmitBulk(h.Endpoint, data, func(status usbnative.TransferStatus, n int, _ []usbnative.IsoPacketResult) {
		e.completeWrite(id, kindBulk, h.Endpoint, status)
	})
	if err != nil {
		e.transfers.remove(id)
		e.parser.SendBulkPacket(id, &protocol.BulkPacketHeader{Endpoint: h.Endpoint, Status: protocol.StatusIOError}, nil)
		return
	}
	e.transfers.setNative(pt, nt)
}

func (e *Engine) InterruptPacket(id uint64, h *protocol.InterruptPacketHeader, data []byte) {
	e.noteSubmission()
	pt := e.transfers.add(id, kindInterrupt, h.Endpoint)
	nt, err := e.driver.SubmitInterrupt(h.Endpoint, data, func(status usbnative.TransferStatus, n int, _ []usbnative.IsoPacketResult) {
		e.completeWrite(id, kindInterrupt, h.Endpoint, status)
	})
	if err != nil {
		e.transfers.remove(id)
		e.parser.SendInterruptPacket(id, &protocol.InterruptPacketHeader{Endpoint: h.Endpoint, Status: protocol.StatusIOError}, nil)
		return
	}
	e.transfers.setNative(pt, nt)
}

// completeWrite replies to a one-shot OUT bulk/interrupt write exactly
// once, even if CancelDataPacket raced with the natural completion:
// remove is only true for the first caller.
func (e *Engine) completeWrite(id uint64, kind transferKind, endpoint uint8, status usbnative.TransferStatus) {
	e.handleNoDevice(status)
	pt, ok := e.transfers.remove(id)
	if !ok {
		return
	}
	if pt.silent {
		return
	}
	st := translateStatus(status)
	switch pt.kind {
	case kindBulk:
		e.parser.SendBulkPacket(id, &protocol.BulkPacketHeader{Endpoint: endpoint, Status: st}, nil)
	case kindInterrupt:
		e.parser.SendInterruptPacket(id, &protocol.InterruptPacketHeader{Endpoint: endpoint, Status: st}, nil)
	}
}

// CancelDataPacket synthesizes the single "cancelled" reply for id
// immediately, rather than waiting on whatever the native layer's
// completion callback eventually reports: that callback is marked silent
// by transferTable.cancel and will discard its own observation.
func (e *Engine) CancelDataPacket(id uint64) {
	pt, ok := e.transfers.cancel(id)
	if !ok {
		return
	}
	switch pt.kind {
	case kindControl:
		e.parser.SendControlPacket(id, &protocol.ControlPacketHeader{Endpoint: pt.endpoint, Status: protocol.StatusCancelled}, nil)
	case kindBulk:
		e.parser.SendBulkPacket(id, &protocol.BulkPacketHeader{Endpoint: pt.endpoint, Status: protocol.StatusCancelled}, nil)
	case kindInterrupt:
		e.parser.SendInterruptPacket(id, &protocol.InterruptPacketHeader{Endpoint: pt.endpoint, Status: protocol.StatusCancelled}, nil)
	}
}

// --- filter passthrough ---

func (e *Engine) FilterFilter(rule string) {
	e.logf(protocol.LogInfo, fmt.Sprintf("filter rule updated: %s", rule))
}

func (e *Engine) Log(level protocol.LogLevel, msg string) {
	e.logf(level, msg)
}
