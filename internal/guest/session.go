// Package guest is the guest side's wire event consumer: the half of the
// pair the parser half (internal/protocol) drives on the side that does
// not own a physical device. The guest side mirrors the device side's
// handler shape but never originates C6/C7 class commands. Presenting a
// kernel-level virtual USB device from the
// decoded events is outside this module's scope — the native USB surface
// is consumed only through internal/usbnative's Driver interface, which
// has no counterpart for "create a virtual device" on this side — so
// Session's job is to track the negotiated device/endpoint/stream state
// for the admin API and operator TUI, and to offer the same
// claim/configure/stream operations a real USB host stack would issue,
// as direct method calls a caller (or, eventually, a real virtual-HCD
// backend) can drive.
package guest

import (
	"sync"

	"github.com/google/uuid"

	"usbtunnel/internal/protocol"
)

// EndpointInfo mirrors one populated slot of the device-reported endpoint
// table (protocol.EpInfoHeader), decoded into a form the admin API and
// monitor TUI can render per-address.
type EndpointInfo struct {
	Address       uint8
	Type          uint8 // wire bmAttributes encoding: 0 control, 1 iso, 2 bulk, 3 interrupt
	Interval      uint8
	Interface     uint8
	MaxPacketSize uint16
	MaxStreams    uint32
}

// InterfaceInfo mirrors one entry of protocol.InterfaceInfoHeader.
type InterfaceInfo struct {
	Number   uint8
	Class    uint8
	Subclass uint8
	Protocol uint8
}

// Snapshot is a point-in-time read of a Session's negotiated device state.
type Snapshot struct {
	SessionID     string
	Connected     bool
	Rejected      bool
	Speed         protocol.Speed
	VendorID      uint16
	ProductID     uint16
	VersionBCD    uint16
	Configuration uint8
	Interfaces    []InterfaceInfo
	Endpoints     []EndpointInfo
}

// Session is the guest-side protocol.Handlers implementation: one per
// tunnel connection. It embeds NopHandlers and overrides only the events
// that carry state worth tracking, the same "override only what's
// reachable" shape internal/engine.Engine uses on the device side.
type Session struct {
	protocol.NopHandlers

	parser    *protocol.Parser
	sessionID uuid.UUID
	logf      func(protocol.LogLevel, string)

	mu         sync.Mutex
	connected  bool
	rejected   bool
	connectHdr protocol.DeviceConnectHeader
	config     uint8
	interfaces []InterfaceInfo
	endpoints  []EndpointInfo
}

// New builds a Session. Construction has the same parser↔handlers
// ordering cycle as internal/engine.Engine: pass nil for parser and bind
// it afterward with SetParser once the RoleGuest Parser has been built
// with this Session as its Handlers. logf receives session log lines;
// pass nil to discard them.
func New(parser *protocol.Parser, logf func(protocol.LogLevel, string)) *Session {
	if logf == nil {
		logf = func(protocol.LogLevel, string) {}
	}
	return &Session{parser: parser, sessionID: uuid.New(), logf: logf}
}

// SetParser (re)binds the Parser this Session issues commands through.
func (s *Session) SetParser(parser *protocol.Parser) {
	s.parser = parser
}

// SessionID identifies this Session's tunnel connection for logs and the
// admin status API.
func (s *Session) SessionID() uuid.UUID { return s.sessionID }

// Snapshot reads the session's current state. Safe for concurrent use
// alongside packet handling.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		SessionID:     s.sessionID.String(),
		Connected:     s.connected,
		Rejected:      s.rejected,
		Speed:         s.connectHdr.Speed,
		VendorID:      s.connectHdr.VendorID,
		ProductID:     s.connectHdr.ProductID,
		VersionBCD:    s.connectHdr.DeviceVersionBCD,
		Configuration: s.config,
	}
	snap.Interfaces = append(snap.Interfaces, s.interfaces...)
	snap.Endpoints = append(snap.Endpoints, s.endpoints...)
	return snap
}

func (s *Session) DeviceConnect(h *protocol.DeviceConnectHeader) {
	s.mu.Lock()
	s.connected = true
	s.rejected = false
	s.connectHdr = *h
	s.mu.Unlock()
	s.logf(protocol.LogInfo, "device connected")
}

func (s *Session) DeviceDisconnect() {
	s.mu.Lock()
	s.connected = false
	s.interfaces = nil
	s.endpoints = nil
	s.config = 0
	s.mu.Unlock()
	s.logf(protocol.LogInfo, "device disconnected")
	if s.parser.PeerCaps().Has(protocol.CapDeviceDisconnectAck) {
		s.parser.SendDeviceDisconnectAck()
	}
}

func (s *Session) FilterReject() {
	s.mu.Lock()
	s.rejected = true
	s.connected = false
	s.mu.Unlock()
	s.logf(protocol.LogWarn, "device rejected by peer's filter")
}

func (s *Session) InterfaceInfo(h *protocol.InterfaceInfoHeader) {
	ifaces := make([]InterfaceInfo, 0, h.InterfaceCount)
	for i := uint32(0); i < h.InterfaceCount && i < uint32(len(h.Interface)); i++ {
		ifaces = append(ifaces, InterfaceInfo{
			Number: h.Interface[i], Class: h.InterfaceClass[i],
			Subclass: h.InterfaceSubclass[i], Protocol: h.InterfaceProtocol[i],
		})
	}
	s.mu.Lock()
	s.interfaces = ifaces
	s.mu.Unlock()
}

func (s *Session) EpInfo(h *protocol.EpInfoHeader) {
	var eps []EndpointInfo
	for i := 0; i < 32; i++ {
		if h.Type[i] == 0 && h.MaxPacketSize[i] == 0 && h.Interface[i] == 0 && i != 0 {
			continue // an untouched slot; slot 0 (control) is always reported
		}
		eps = append(eps, EndpointInfo{
			Address: endpointAddress(i), Type: h.Type[i], Interval: h.Interval[i],
			Interface: h.Interface[i], MaxPacketSize: h.MaxPacketSize[i], MaxStreams: h.MaxStreams[i],
		})
	}
	s.mu.Lock()
	s.endpoints = eps
	s.mu.Unlock()
}

// endpointAddress inverts the engine's slotIndex: bit 4 of the slot carries
// the direction bit back into bit 7 of the endpoint address.
func endpointAddress(slot int) uint8 {
	num := uint8(slot) & 0x0f
	if slot&0x10 != 0 {
		return num | 0x80
	}
	return num
}

func (s *Session) ConfigurationStatus(h *protocol.ConfigurationStatusHeader) {
	if h.Status != protocol.StatusSuccess {
		s.logf(protocol.LogWarn, "set_configuration failed")
		return
	}
	s.mu.Lock()
	s.config = h.Configuration
	s.mu.Unlock()
}

func (s *Session) Log(level protocol.LogLevel, msg string) {
	s.logf(level, msg)
}

// --- commands a guest-side caller issues toward the device ---

// RequestConfiguration asks the device side to switch active configuration.
func (s *Session) RequestConfiguration(cfg uint8) {
	s.parser.SendSetConfiguration(&protocol.SetConfigurationHeader{Configuration: cfg})
}

// RequestAltSetting asks the device side to switch one interface's alt
// setting.
func (s *Session) RequestAltSetting(iface, alt uint8) {
	s.parser.SendSetAltSetting(&protocol.SetAltSettingHeader{Interface: iface, AltSetting: alt})
}

// RequestReset asks the device side to reset the physical device.
func (s *Session) RequestReset() {
	s.parser.SendReset()
}

// RequestIsoStream asks the device side to start an isochronous stream on
// endpoint with the given ring parameters.
func (s *Session) RequestIsoStream(endpoint, pktsPerTransfer, transferCount uint8, maxPacketSize uint32) {
	s.parser.SendStartIsoStream(&protocol.StartIsoStreamHeader{
		Endpoint: endpoint, PktsPerTransfer: pktsPerTransfer, TransferCount: transferCount, MaxPacketSize: maxPacketSize,
	})
}

// RequestStopIsoStream asks the device side to stop an endpoint's
// isochronous stream.
func (s *Session) RequestStopIsoStream(endpoint uint8) {
	s.parser.SendStopIsoStream(&protocol.StopIsoStreamHeader{Endpoint: endpoint})
}
