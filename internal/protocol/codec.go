package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// LogLevel mirrors the severity passed to the consumer's log callback.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Handlers is the deep callback table a consumer implements to receive
// dispatched packets, one method per wire type: one type implementing
// all, checked at compile time instead of a runtime null-function-pointer
// check.
type Handlers interface {
	Hello(h *HelloHeader)
	DeviceConnect(h *DeviceConnectHeader)
	DeviceDisconnect()
	DeviceDisconnectAck()
	Reset()
	InterfaceInfo(h *InterfaceInfoHeader)
	EpInfo(h *EpInfoHeader)
	SetConfiguration(h *SetConfigurationHeader)
	ConfigurationStatus(h *ConfigurationStatusHeader)
	GetConfiguration()
	SetAltSetting(h *SetAltSettingHeader)
	AltSettingStatus(h *AltSettingStatusHeader)
	GetAltSetting(h *GetAltSettingHeader)
	StartIsoStream(h *StartIsoStreamHeader)
	StopIsoStream(h *StopIsoStreamHeader)
	IsoStreamStatus(h *IsoStreamStatusHeader)
	StartInterruptReceiving(h *StartInterruptReceivingHeader)
	StopInterruptReceiving(h *StopInterruptReceivingHeader)
	InterruptReceivingStatus(h *InterruptReceivingStatusHeader)
	StartBulkReceiving(h *StartBulkReceivingHeader)
	StopBulkReceiving(h *StopBulkReceivingHeader)
	BulkReceivingStatus(h *BulkReceivingStatusHeader)
	AllocBulkStreams(h *AllocBulkStreamsHeader)
	FreeBulkStreams(h *FreeBulkStreamsHeader)
	BulkStreamsStatus(h *BulkStreamsStatusHeader)
	CancelDataPacket(id uint64)
	FilterReject()
	FilterFilter(rule string)
	ControlPacket(id uint64, h *ControlPacketHeader, data []byte)
	BulkPacket(id uint64, h *BulkPacketHeader, data []byte)
	IsoPacket(id uint64, h *IsoPacketHeader, data []byte)
	InterruptPacket(id uint64, h *InterruptPacketHeader, data []byte)
	BufferedBulkPacket(id uint64, h *BufferedBulkPacketHeader, data []byte)
	Log(level LogLevel, msg string)
}

// Flags configure a Parser at Init.
type Flags struct {
	NoHello           bool // suppress the automatic hello on Init
	WriteCbOwnsBuffer bool // transport must drain a queued buffer whole
}

type phase int

const (
	phaseHeader phase = iota
	phaseTypeHeader
	phaseData
)

const maxHeaderWire = 16 // type(4) + length(4) + id(4 or 8)

// Parser is the framing state machine and capability negotiator. It is
// single-threaded per reader: at most one goroutine may call Feed/DoRead
// or the lifecycle methods at a time. The Send* / HasDataToWrite /
// DoWrite / BufferedOutputSize methods are safe for concurrent use from
// other goroutines, serialized by the write queue's own lock.
type Parser struct {
	role    Role
	flags   Flags
	version [64]byte

	ourCaps  CapabilitySet
	peerCaps CapabilitySet
	havePeer bool

	queue writeQueue

	// reader state
	ph             phase
	toSkip         int
	headerBuf      [maxHeaderWire]byte
	headerRead     int
	headerLen      int // 0 until the 8-byte type+length prefix is known
	header         Header
	typeHeaderLen  int
	typeHeaderBuf  []byte
	typeHeaderRead int
	dataLen        int
	data           []byte
	dataRead       int

	waitDisconnect bool
	disconnectSent bool
	connectPending []*DeviceConnectHeader

	mu       sync.Mutex // guards waitDisconnect/connectPending/disconnectSent
	handlers Handlers
}

// New constructs a Parser bound to handlers. Call Init before use.
func New(role Role, handlers Handlers) *Parser {
	return &Parser{role: role, handlers: handlers}
}

// Init composes our capability set, applies the cap_bulk_streams sanitize
// rule, auto-adds device_disconnect_ack for the guest role, and — unless
// NoHello is set — enqueues our hello.
func (p *Parser) Init(version string, caps CapabilitySet, flags Flags) {
	p.flags = flags
	copy(p.version[:], version)
	if p.role == RoleGuest {
		caps.Set(CapDeviceDisconnectAck)
	}
	p.ourCaps = Sanitize(caps)
	if !flags.NoHello {
		p.sendHello()
	}
}

// HavePeerCaps reports whether a hello has been received from the peer.
func (p *Parser) HavePeerCaps() bool { return p.havePeer }

// PeerCaps returns the peer's announced capabilities (zero value until
// HavePeerCaps).
func (p *Parser) PeerCaps() CapabilitySet { return p.peerCaps }

// OurCaps returns our own announced capability set.
func (p *Parser) OurCaps() CapabilitySet { return p.ourCaps }

// EffectiveCaps is the mutual (AND) capability set, valid once
// HavePeerCaps is true.
func (p *Parser) EffectiveCaps() CapabilitySet {
	if !p.havePeer {
		return CapabilitySet{}
	}
	return And(p.ourCaps, p.peerCaps)
}

// Role reports which side of the protocol this Parser enforces.
func (p *Parser) Role() Role { return p.role }

// ReadFunc mirrors the transport's non-blocking read contract: n>0 bytes
// read, n==0 && err==nil means would-block, err!=nil is fatal.
type ReadFunc func(p []byte) (n int, err error)

// DoRead performs one read syscall's worth of progress: it reads once via
// read into a scratch buffer and feeds every completed frame in it to
// handlers. It returns 0 on a clean would-block, and a *ParseError wrapped
// in err to signal "malformed frame, skip-mode entered, connection
// survives".
func (p *Parser) DoRead(read ReadFunc) (int, error) {
	var scratch [65536]byte
	n, err := read(scratch[:])
	if n > 0 {
		if perr := p.Feed(scratch[:n]); perr != nil {
			return n, perr
		}
	}
	return n, err
}

// Feed processes a chunk of bytes already read from the transport, driving
// the three-phase reader and skip-mode resynchronisation, dispatching every
// frame it completes. It returns the first parse error encountered (after
// which skip mode is already active and subsequent bytes of buf continue to
// be consumed normally).
func (p *Parser) Feed(buf []byte) *ParseError {
	var firstErr *ParseError
	for len(buf) > 0 {
		if p.toSkip > 0 {
			n := p.toSkip
			if n > len(buf) {
				n = len(buf)
			}
			buf = buf[n:]
			p.toSkip -= n
			continue
		}
		switch p.ph {
		case phaseHeader:
			buf = p.feedHeader(buf, &firstErr)
		case phaseTypeHeader:
			buf = p.feedTypeHeader(buf, &firstErr)
		case phaseData:
			buf = p.feedData(buf)
		}
	}
	return firstErr
}

func (p *Parser) feedHeader(buf []byte, firstErr **ParseError) []byte {
	// First consume up to the 8-byte type+length prefix.
	if p.headerRead < 8 {
		n := copy(p.headerBuf[p.headerRead:8], buf)
		p.headerRead += n
		buf = buf[n:]
		if p.headerRead < 8 {
			return buf
		}
		t := PacketType(binary.LittleEndian.Uint32(p.headerBuf[0:4]))
		idSize := 8
		if t == TypeHello || !p.EffectiveCapsOrOurs().Has(Cap64BitsIDs) {
			idSize = 4
		}
		p.headerLen = 8 + idSize
	}
	n := copy(p.headerBuf[p.headerRead:p.headerLen], buf)
	p.headerRead += n
	buf = buf[n:]
	if p.headerRead < p.headerLen {
		return buf
	}
	p.decodeHeader(firstErr)
	if p.ph == phaseTypeHeader && p.typeHeaderLen == 0 {
		// Nothing more to read for an empty type header: finish the frame
		// now instead of waiting for bytes that belong to the next one.
		return p.feedTypeHeader(buf, firstErr)
	}
	return buf
}

// EffectiveCapsOrOurs is EffectiveCaps before the peer is known (used only
// to size the main header's id field, falling back sensibly before
// negotiation completes).
func (p *Parser) EffectiveCapsOrOurs() CapabilitySet {
	if p.havePeer {
		return p.EffectiveCaps()
	}
	return p.ourCaps
}

func (p *Parser) decodeHeader(firstErr **ParseError) {
	t := PacketType(binary.LittleEndian.Uint32(p.headerBuf[0:4]))
	length := binary.LittleEndian.Uint32(p.headerBuf[4:8])
	var id uint64
	if p.headerLen == 16 {
		id = binary.LittleEndian.Uint64(p.headerBuf[8:16])
	} else {
		id = uint64(binary.LittleEndian.Uint32(p.headerBuf[8:12]))
	}
	p.header = Header{Type: t, Length: length, ID: id}

	if !p.validateHeader() {
		p.failFrame(firstErr, t, length, "invalid direction or type for role")
		return
	}

	thLen := typeHeaderSize(t, p.EffectiveCapsOrOurs(), p.role)
	if t == TypeHello {
		// The capability words ride along inside the type header itself
		// (DecodeTypeHeader derives their count from the remaining length),
		// so hello never has a separate data payload.
		thLen = int(length)
	}
	if thLen < 0 {
		p.failFrame(firstErr, t, length, "type header forbidden in this direction")
		return
	}
	if int(length) < thLen {
		p.failFrame(firstErr, t, length, "length shorter than type header")
		return
	}
	if thLen < int(length) && !canCarryPayload(t) {
		p.failFrame(firstErr, t, length, "unexpected payload for type")
		return
	}
	if length > MaxPacketSize {
		p.failFrame(firstErr, t, length, "length exceeds MaxPacketSize")
		return
	}

	p.typeHeaderLen = thLen
	p.typeHeaderBuf = make([]byte, thLen)
	p.typeHeaderRead = 0
	p.dataLen = int(length) - thLen
	p.dataRead = 0
	if p.dataLen > 0 {
		p.data = make([]byte, p.dataLen)
	} else {
		p.data = nil
	}
	p.ph = phaseTypeHeader
}

// validateHeader applies role-directed validation and the upper size bound.
func (p *Parser) validateHeader() bool {
	if p.header.Length > MaxPacketSize {
		return false
	}
	d := oppositeDirection(p.role)
	if !validDirection(p.header.Type, d) {
		return false
	}
	return true
}

func oppositeDirection(role Role) direction {
	if role == RoleDevice {
		return dirGuestToDevice
	}
	return dirDeviceToGuest
}

func canCarryPayload(t PacketType) bool {
	return t.IsDataType() || t == TypeFilterFilter || t == TypeHello
}

func (p *Parser) enterSkip(length uint32) {
	p.toSkip = int(length)
	p.resetReaderPhase()
}

// failFrame enters skip mode for the frame just decoded and records the
// first parse error of this Feed call: skip the malformed frame, return a
// parse error, and keep the connection alive.
func (p *Parser) failFrame(firstErr **ParseError, t PacketType, length uint32, reason string) {
	p.enterSkip(length)
	if *firstErr == nil {
		*firstErr = newParseError(t, reason)
	}
}

func (p *Parser) resetReaderPhase() {
	p.ph = phaseHeader
	p.headerRead = 0
	p.headerLen = 0
	p.typeHeaderBuf = nil
	p.typeHeaderRead = 0
	p.data = nil
	p.dataRead = 0
}

func (p *Parser) feedTypeHeader(buf []byte, firstErr **ParseError) []byte {
	n := copy(p.typeHeaderBuf[p.typeHeaderRead:], buf)
	p.typeHeaderRead += n
	buf = buf[n:]
	if p.typeHeaderRead < p.typeHeaderLen {
		return buf
	}
	if p.dataLen > 0 {
		p.ph = phaseData
		return buf
	}
	p.dispatch(nil, firstErr)
	p.resetReaderPhase()
	return buf
}

func (p *Parser) feedData(buf []byte) []byte {
	n := copy(p.data[p.dataRead:], buf)
	p.dataRead += n
	buf = buf[n:]
	if p.dataRead < p.dataLen {
		return buf
	}
	p.dispatch(p.data, nil)
	p.resetReaderPhase()
	return buf
}

func (p *Parser) dispatch(data []byte, firstErr **ParseError) {
	t := p.header.Type

	if t != TypeHello {
		caps := p.EffectiveCapsOrOurs()
		if !p.typeSpecificValidation(t, caps, data) {
			// Invalid per type-specific rule: protocol misuse, log & ignore
			// peer misuse of the protocol.
			p.handlers.Log(LogWarn, fmt.Sprintf("dropping invalid %s", t))
			return
		}
	}

	th, err := DecodeTypeHeader(t, p.EffectiveCapsOrOurs(), p.typeHeaderBuf)
	if err != nil {
		pe := newParseError(t, err.Error())
		if firstErr != nil && *firstErr == nil {
			*firstErr = pe
		}
		return
	}

	switch t {
	case TypeHello:
		p.handleHello(th.(*HelloHeader))
	case TypeDeviceConnect:
		p.handlers.DeviceConnect(th.(*DeviceConnectHeader))
	case TypeDeviceDisconnect:
		p.handlers.DeviceDisconnect()
	case TypeDeviceDisconnectAck:
		p.handleDisconnectAck()
	case TypeReset:
		p.handlers.Reset()
	case TypeInterfaceInfo:
		p.handlers.InterfaceInfo(th.(*InterfaceInfoHeader))
	case TypeEpInfo:
		p.handlers.EpInfo(th.(*EpInfoHeader))
	case TypeSetConfiguration:
		p.handlers.SetConfiguration(th.(*SetConfigurationHeader))
	case TypeConfigurationStatus:
		p.handlers.ConfigurationStatus(th.(*ConfigurationStatusHeader))
	case TypeGetConfiguration:
		p.handlers.GetConfiguration()
	case TypeSetAltSetting:
		p.handlers.SetAltSetting(th.(*SetAltSettingHeader))
	case TypeAltSettingStatus:
		p.handlers.AltSettingStatus(th.(*AltSettingStatusHeader))
	case TypeGetAltSetting:
		p.handlers.GetAltSetting(th.(*GetAltSettingHeader))
	case TypeStartIsoStream:
		p.handlers.StartIsoStream(th.(*StartIsoStreamHeader))
	case TypeStopIsoStream:
		p.handlers.StopIsoStream(th.(*StopIsoStreamHeader))
	case TypeIsoStreamStatus:
		p.handlers.IsoStreamStatus(th.(*IsoStreamStatusHeader))
	case TypeStartInterruptReceiving:
		p.handlers.StartInterruptReceiving(th.(*StartInterruptReceivingHeader))
	case TypeStopInterruptReceiving:
		p.handlers.StopInterruptReceiving(th.(*StopInterruptReceivingHeader))
	case TypeInterruptReceivingStatus:
		p.handlers.InterruptReceivingStatus(th.(*InterruptReceivingStatusHeader))
	case TypeStartBulkReceiving:
		p.handlers.StartBulkReceiving(th.(*StartBulkReceivingHeader))
	case TypeStopBulkReceiving:
		p.handlers.StopBulkReceiving(th.(*StopBulkReceivingHeader))
	case TypeBulkReceivingStatus:
		p.handlers.BulkReceivingStatus(th.(*BulkReceivingStatusHeader))
	case TypeAllocBulkStreams:
		p.handlers.AllocBulkStreams(th.(*AllocBulkStreamsHeader))
	case TypeFreeBulkStreams:
		p.handlers.FreeBulkStreams(th.(*FreeBulkStreamsHeader))
	case TypeBulkStreamsStatus:
		p.handlers.BulkStreamsStatus(th.(*BulkStreamsStatusHeader))
	case TypeCancelDataPacket:
		p.handlers.CancelDataPacket(p.header.ID)
	case TypeFilterReject:
		p.handlers.FilterReject()
	case TypeFilterFilter:
		p.handlers.FilterFilter(trimNulString(data))
	case TypeControlPacket:
		p.handlers.ControlPacket(p.header.ID, th.(*ControlPacketHeader), data)
	case TypeBulkPacket:
		p.handlers.BulkPacket(p.header.ID, th.(*BulkPacketHeader), data)
	case TypeIsoPacket:
		p.handlers.IsoPacket(p.header.ID, th.(*IsoPacketHeader), data)
	case TypeInterruptPacket:
		p.handlers.InterruptPacket(p.header.ID, th.(*InterruptPacketHeader), data)
	case TypeBufferedBulkPacket:
		p.handlers.BufferedBulkPacket(p.header.ID, th.(*BufferedBulkPacketHeader), data)
	}
}

func trimNulString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (p *Parser) handleHello(h *HelloHeader) {
	if p.havePeer {
		p.handlers.Log(LogWarn, "second hello received, discarding")
		return
	}
	p.peerCaps = Sanitize(CapabilitySetFromWords(h.Capabilities))
	p.havePeer = true
	p.handlers.Hello(h)

	p.mu.Lock()
	pending := p.connectPending
	p.connectPending = nil
	waitDisc := p.waitDisconnect
	p.mu.Unlock()
	if !waitDisc {
		for _, dc := range pending {
			p.sendDeviceConnectNow(dc)
		}
	} else {
		p.mu.Lock()
		p.connectPending = pending
		p.mu.Unlock()
	}
}

func (p *Parser) handleDisconnectAck() {
	p.mu.Lock()
	p.waitDisconnect = false
	pending := p.connectPending
	p.connectPending = nil
	p.mu.Unlock()
	for _, dc := range pending {
		p.sendDeviceConnectNow(dc)
	}
	p.handlers.DeviceDisconnectAck()
}

// typeSpecificValidation enforces the per-type structural rules beyond
// plain direction, plus the IN-endpoint rule for interrupt and bulk
// receiving. Data packets are not checked against an endpoint direction
// here.
func (p *Parser) typeSpecificValidation(t PacketType, caps CapabilitySet, data []byte) bool {
	switch h := mustPeekTypeHeader(t, caps, p.typeHeaderBuf).(type) {
	case *InterfaceInfoHeader:
		return h.InterfaceCount <= MaxInterfaceCount
	case *StartBulkReceivingHeader:
		if !endpointIsIn(h.Endpoint) {
			return false
		}
		return h.BytesPerTransfer <= MaxBulkTransferSize
	case *StopBulkReceivingHeader:
		return endpointIsIn(h.Endpoint)
	case *BulkReceivingStatusHeader:
		return endpointIsIn(h.Endpoint)
	case *StartInterruptReceivingHeader:
		return endpointIsIn(h.Endpoint)
	case *StopInterruptReceivingHeader:
		return endpointIsIn(h.Endpoint)
	case *StartIsoStreamHeader:
		return h.PktsPerTransfer >= 1 && h.PktsPerTransfer <= MaxPacketsPerTransfer &&
			h.TransferCount >= 1 && h.TransferCount <= MaxTransferCount
	}
	switch t {
	case TypeFilterFilter:
		return len(data) > 0
	case TypeIsoPacket, TypeInterruptPacket:
		return true // direction validated against the endpoint table by the engine
	case TypeBulkPacket:
		if !caps.Has(Cap32BitsBulkLength) {
			// length_high must read as zero when not mutual; decoder already
			// skips the field entirely in that case, nothing further to check.
			return true
		}
		return true
	}
	return true
}

// mustPeekTypeHeader decodes without consuming, for validation that needs
// fields decided before dispatch proper; errors fall through to "valid" so
// the real decode (which does error) is the single source of truth for
// malformed encodings.
func mustPeekTypeHeader(t PacketType, caps CapabilitySet, buf []byte) any {
	h, err := DecodeTypeHeader(t, caps, buf)
	if err != nil {
		return nil
	}
	return h
}

// --- send side -------------------------------------------------------

func (p *Parser) enqueue(t PacketType, id uint64, typeHeader any, payload []byte) {
	caps := p.EffectiveCapsOrOurs()
	thLen := typeHeaderSize(t, caps, p.role)
	if t == TypeHello {
		thLen = 64 + 4*len(p.ourCaps.Words())
	}
	idSize := 8
	if t == TypeHello || !caps.Has(Cap64BitsIDs) {
		idSize = 4
	}
	total := thLen + len(payload)

	buf := bytes.NewBuffer(make([]byte, 0, 8+idSize+total))
	binary.Write(buf, binary.LittleEndian, uint32(t))
	binary.Write(buf, binary.LittleEndian, uint32(total))
	if idSize == 8 {
		binary.Write(buf, binary.LittleEndian, id)
	} else {
		binary.Write(buf, binary.LittleEndian, uint32(id))
	}
	if t == TypeHello {
		hh := typeHeader.(*HelloHeader)
		buf.Write(hh.Version[:])
		binary.Write(buf, binary.LittleEndian, hh.Capabilities)
	} else if typeHeader != nil {
		EncodeTypeHeader(buf, t, caps, typeHeader)
	}
	buf.Write(payload)
	p.queue.Enqueue(buf.Bytes())
}

func (p *Parser) sendHello() {
	words := p.ourCaps.Words()
	cp := make([]uint32, len(words))
	copy(cp, words)
	p.enqueue(TypeHello, 0, &HelloHeader{Version: p.version, Capabilities: cp}, nil)
}

// SendDeviceConnect enqueues device_connect, deferring it in connect_pending
// until both HavePeerCaps and !waitDisconnect hold.
func (p *Parser) SendDeviceConnect(h *DeviceConnectHeader) {
	p.mu.Lock()
	ready := p.havePeer && !p.waitDisconnect
	if !ready {
		p.connectPending = append(p.connectPending, h)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.sendDeviceConnectNow(h)
}

func (p *Parser) sendDeviceConnectNow(h *DeviceConnectHeader) {
	p.enqueue(TypeDeviceConnect, 0, h, nil)
}

// SendDeviceDisconnect is the disconnect single-shot: it sets waitDisconnect
// when the peer supports device_disconnect_ack.
func (p *Parser) SendDeviceDisconnect() {
	p.mu.Lock()
	if p.EffectiveCaps().Has(CapDeviceDisconnectAck) {
		p.waitDisconnect = true
	}
	p.mu.Unlock()
	p.enqueue(TypeDeviceDisconnect, 0, nil, nil)
}

func (p *Parser) SendDeviceDisconnectAck() {
	p.enqueue(TypeDeviceDisconnectAck, 0, nil, nil)
}

func (p *Parser) SendReset() { p.enqueue(TypeReset, 0, nil, nil) }
func (p *Parser) SendGetConfiguration() { p.enqueue(TypeGetConfiguration, 0, &GetConfigurationHeader{}, nil) }
func (p *Parser) SendFilterReject() { p.enqueue(TypeFilterReject, 0, &FilterRejectHeader{}, nil) }

func (p *Parser) SendInterfaceInfo(h *InterfaceInfoHeader) { p.enqueue(TypeInterfaceInfo, 0, h, nil) }
func (p *Parser) SendEpInfo(h *EpInfoHeader)               { p.enqueue(TypeEpInfo, 0, h, nil) }
func (p *Parser) SendSetConfiguration(h *SetConfigurationHeader) {
	p.enqueue(TypeSetConfiguration, 0, h, nil)
}
func (p *Parser) SendConfigurationStatus(h *ConfigurationStatusHeader) {
	p.enqueue(TypeConfigurationStatus, 0, h, nil)
}
func (p *Parser) SendSetAltSetting(h *SetAltSettingHeader) { p.enqueue(TypeSetAltSetting, 0, h, nil) }
func (p *Parser) SendAltSettingStatus(h *AltSettingStatusHeader) {
	p.enqueue(TypeAltSettingStatus, 0, h, nil)
}
func (p *Parser) SendGetAltSetting(h *GetAltSettingHeader) { p.enqueue(TypeGetAltSetting, 0, h, nil) }

func (p *Parser) SendStartIsoStream(h *StartIsoStreamHeader) { p.enqueue(TypeStartIsoStream, 0, h, nil) }
func (p *Parser) SendStopIsoStream(h *StopIsoStreamHeader)   { p.enqueue(TypeStopIsoStream, 0, h, nil) }
func (p *Parser) SendIsoStreamStatus(h *IsoStreamStatusHeader) {
	p.enqueue(TypeIsoStreamStatus, 0, h, nil)
}

func (p *Parser) SendStartInterruptReceiving(h *StartInterruptReceivingHeader) {
	p.enqueue(TypeStartInterruptReceiving, 0, h, nil)
}
func (p *Parser) SendStopInterruptReceiving(h *StopInterruptReceivingHeader) {
	p.enqueue(TypeStopInterruptReceiving, 0, h, nil)
}
func (p *Parser) SendInterruptReceivingStatus(h *InterruptReceivingStatusHeader) {
	p.enqueue(TypeInterruptReceivingStatus, 0, h, nil)
}

func (p *Parser) SendStartBulkReceiving(h *StartBulkReceivingHeader) {
	p.enqueue(TypeStartBulkReceiving, 0, h, nil)
}
func (p *Parser) SendStopBulkReceiving(h *StopBulkReceivingHeader) {
	p.enqueue(TypeStopBulkReceiving, 0, h, nil)
}
func (p *Parser) SendBulkReceivingStatus(h *BulkReceivingStatusHeader) {
	p.enqueue(TypeBulkReceivingStatus, 0, h, nil)
}

func (p *Parser) SendAllocBulkStreams(h *AllocBulkStreamsHeader) {
	p.enqueue(TypeAllocBulkStreams, 0, h, nil)
}
func (p *Parser) SendFreeBulkStreams(h *FreeBulkStreamsHeader) {
	p.enqueue(TypeFreeBulkStreams, 0, h, nil)
}
func (p *Parser) SendBulkStreamsStatus(h *BulkStreamsStatusHeader) {
	p.enqueue(TypeBulkStreamsStatus, 0, h, nil)
}

func (p *Parser) SendCancelDataPacket(id uint64) {
	p.enqueue(TypeCancelDataPacket, id, &CancelDataPacketHeader{}, nil)
}

// SendFilterFilter enqueues a filter rule string; it must be non-empty and
// is NUL-terminated on the wire.
func (p *Parser) SendFilterFilter(rule string) {
	payload := append([]byte(rule), 0)
	p.enqueue(TypeFilterFilter, 0, &FilterFilterHeader{}, payload)
}

func (p *Parser) SendControlPacket(id uint64, h *ControlPacketHeader, data []byte) {
	p.enqueue(TypeControlPacket, id, h, data)
}
func (p *Parser) SendBulkPacket(id uint64, h *BulkPacketHeader, data []byte) {
	p.enqueue(TypeBulkPacket, id, h, data)
}
func (p *Parser) SendIsoPacket(id uint64, h *IsoPacketHeader, data []byte) {
	p.enqueue(TypeIsoPacket, id, h, data)
}
func (p *Parser) SendInterruptPacket(id uint64, h *InterruptPacketHeader, data []byte) {
	p.enqueue(TypeInterruptPacket, id, h, data)
}
func (p *Parser) SendBufferedBulkPacket(id uint64, h *BufferedBulkPacketHeader, data []byte) {
	p.enqueue(TypeBufferedBulkPacket, id, h, data)
}

// HasDataToWrite, DoWrite, BufferedOutputSize, DoWriteOwned delegate to the
// write queue; safe for concurrent use with each other and with the Send*
// methods above.
func (p *Parser) HasDataToWrite() bool           { return p.queue.HasDataToWrite() }
func (p *Parser) BufferedOutputSize() int        { return p.queue.BufferedOutputSize() }
func (p *Parser) DoWrite(write WriteFunc) (int, error) {
	if p.flags.WriteCbOwnsBuffer {
		return 0, p.queue.DoWriteOwned(write)
	}
	return p.queue.DoWrite(write)
}
