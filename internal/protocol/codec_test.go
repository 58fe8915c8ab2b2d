package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandlers implements Handlers, recording every dispatch for
// assertions. Embedding a no-op base keeps it short while still satisfying
// the full interface.
type recordingHandlers struct {
	hellos      []*HelloHeader
	resets      int
	deviceConns []*DeviceConnectHeader
	controls    []struct {
		id uint64
		h  *ControlPacketHeader
	}
	logs []string
}

func (r *recordingHandlers) Hello(h *HelloHeader)        { r.hellos = append(r.hellos, h) }
func (r *recordingHandlers) DeviceConnect(h *DeviceConnectHeader) {
	r.deviceConns = append(r.deviceConns, h)
}
func (r *recordingHandlers) DeviceDisconnect()    {}
func (r *recordingHandlers) DeviceDisconnectAck() {}
func (r *recordingHandlers) Reset()               { r.resets++ }
func (r *recordingHandlers) InterfaceInfo(h *InterfaceInfoHeader)                     {}
func (r *recordingHandlers) EpInfo(h *EpInfoHeader)                                   {}
func (r *recordingHandlers) SetConfiguration(h *SetConfigurationHeader)               {}
func (r *recordingHandlers) ConfigurationStatus(h *ConfigurationStatusHeader)         {}
func (r *recordingHandlers) GetConfiguration()                                       {}
func (r *recordingHandlers) SetAltSetting(h *SetAltSettingHeader)                     {}
func (r *recordingHandlers) AltSettingStatus(h *AltSettingStatusHeader)               {}
func (r *recordingHandlers) GetAltSetting(h *GetAltSettingHeader)                     {}
func (r *recordingHandlers) StartIsoStream(h *StartIsoStreamHeader)                   {}
func (r *recordingHandlers) StopIsoStream(h *StopIsoStreamHeader)                     {}
func (r *recordingHandlers) IsoStreamStatus(h *IsoStreamStatusHeader)                 {}
func (r *recordingHandlers) StartInterruptReceiving(h *StartInterruptReceivingHeader) {}
func (r *recordingHandlers) StopInterruptReceiving(h *StopInterruptReceivingHeader)   {}
func (r *recordingHandlers) InterruptReceivingStatus(h *InterruptReceivingStatusHeader) {
}
func (r *recordingHandlers) StartBulkReceiving(h *StartBulkReceivingHeader) {}
func (r *recordingHandlers) StopBulkReceiving(h *StopBulkReceivingHeader)   {}
func (r *recordingHandlers) BulkReceivingStatus(h *BulkReceivingStatusHeader) {
}
func (r *recordingHandlers) AllocBulkStreams(h *AllocBulkStreamsHeader) {}
func (r *recordingHandlers) FreeBulkStreams(h *FreeBulkStreamsHeader)   {}
func (r *recordingHandlers) BulkStreamsStatus(h *BulkStreamsStatusHeader) {
}
func (r *recordingHandlers) CancelDataPacket(id uint64) {}
func (r *recordingHandlers) FilterReject()              {}
func (r *recordingHandlers) FilterFilter(rule string)   {}
func (r *recordingHandlers) ControlPacket(id uint64, h *ControlPacketHeader, data []byte) {
	r.controls = append(r.controls, struct {
		id uint64
		h  *ControlPacketHeader
	}{id, h})
}
func (r *recordingHandlers) BulkPacket(id uint64, h *BulkPacketHeader, data []byte)           {}
func (r *recordingHandlers) IsoPacket(id uint64, h *IsoPacketHeader, data []byte)             {}
func (r *recordingHandlers) InterruptPacket(id uint64, h *InterruptPacketHeader, data []byte) {}
func (r *recordingHandlers) BufferedBulkPacket(id uint64, h *BufferedBulkPacketHeader, data []byte) {
}
func (r *recordingHandlers) Log(level LogLevel, msg string) { r.logs = append(r.logs, msg) }

func pump(t *testing.T, from, to *Parser, toHandlers *recordingHandlers) {
	t.Helper()
	for from.HasDataToWrite() {
		_, err := from.DoWrite(func(p []byte) (int, error) {
			perr := to.Feed(p)
			if perr != nil {
				t.Fatalf("unexpected parse error: %v", perr)
			}
			return len(p), nil
		})
		require.NoError(t, err)
	}
}

// TestHelloExchange is scenario S1: two parsers with identical caps, piped
// writes into each other's reads, reach mutual capability agreement after
// one exchange.
func TestHelloExchange(t *testing.T) {
	devH, guestH := &recordingHandlers{}, &recordingHandlers{}
	dev := New(RoleDevice, devH)
	guest := New(RoleGuest, guestH)

	caps := NewCapabilitySet(CapEpInfoMaxPacketSize, Cap64BitsIDs)
	dev.Init("device-1.0", caps, Flags{})
	guest.Init("guest-1.0", caps, Flags{})

	pump(t, dev, guest, guestH)
	pump(t, guest, dev, devH)

	assert.True(t, dev.HavePeerCaps())
	assert.True(t, guest.HavePeerCaps())
	assert.True(t, dev.EffectiveCaps().Has(Cap64BitsIDs))
	assert.True(t, guest.EffectiveCaps().Has(Cap64BitsIDs))
	require.Len(t, devH.hellos, 1)
	require.Len(t, guestH.hellos, 1)
}

// TestSkipRecovery is scenario S2: a malformed frame enters skip mode, and
// a subsequent well-formed reset frame still dispatches.
func TestSkipRecovery(t *testing.T) {
	h := &recordingHandlers{}
	p := New(RoleDevice, h)
	p.Init("device-1.0", CapabilitySet{}, Flags{NoHello: true})

	var buf []byte
	buf = appendU32(buf, 0x7fffffff)
	buf = appendU32(buf, 10)
	buf = appendU32(buf, 0) // id (32-bit, no cap_64bits_ids)
	buf = append(buf, make([]byte, 10)...)

	perr := p.Feed(buf)
	require.Error(t, perr)

	reset := New(RoleGuest, &recordingHandlers{})
	reset.Init("guest-1.0", CapabilitySet{}, Flags{NoHello: true})
	reset.SendReset()
	resetBytes := drain(t, reset)

	perr = p.Feed(resetBytes)
	assert.Nil(t, perr)
	assert.Equal(t, 1, h.resets)
}

func TestHeaderLengthBoundary(t *testing.T) {
	h := &recordingHandlers{}
	p := New(RoleDevice, h)
	p.Init("device-1.0", CapabilitySet{}, Flags{NoHello: true})

	var buf []byte
	buf = appendU32(buf, uint32(TypeReset))
	buf = appendU32(buf, MaxPacketSize+1)
	buf = appendU32(buf, 0)
	perr := p.Feed(buf)
	require.Error(t, perr)
	assert.Equal(t, MaxPacketSize+1, p.toSkip)
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func drain(t *testing.T, p *Parser) []byte {
	t.Helper()
	var out []byte
	for p.HasDataToWrite() {
		_, err := p.DoWrite(func(b []byte) (int, error) {
			out = append(out, b...)
			return len(b), nil
		})
		require.NoError(t, err)
	}
	return out
}
