package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Each Type* struct below is the widest in-memory representation of a type
// header; per DESIGN NOTES ("dynamic field sizing") the narrower wire
// encodings are produced by typeHeaderSize + the type's Encode/Decode pair,
// never by a distinct Go type per capability combination.

type HelloHeader struct {
	Version      [64]byte
	Capabilities []uint32 // length implied by header.Length, not carried explicitly
}

type DeviceConnectHeader struct {
	Speed            Speed
	DeviceClass      uint8
	DeviceSubclass   uint8
	DeviceProtocol   uint8
	VendorID         uint16
	ProductID        uint16
	DeviceVersionBCD uint16 // present iff cap_connect_device_version mutual
}

type InterfaceInfoHeader struct {
	InterfaceCount    uint32
	Interface         [MaxInterfaceCount]uint8
	InterfaceClass    [MaxInterfaceCount]uint8
	InterfaceSubclass [MaxInterfaceCount]uint8
	InterfaceProtocol [MaxInterfaceCount]uint8
}

type EpInfoHeader struct {
	Type          [32]uint8
	Interval      [32]uint8
	Interface     [32]uint8
	MaxPacketSize [32]uint16 // present iff cap_ep_info_max_packet_size
	MaxStreams    [32]uint32 // present iff cap_bulk_streams
}

type SetConfigurationHeader struct{ Configuration uint8 }
type ConfigurationStatusHeader struct {
	Status        Status
	Configuration uint8
}
type GetConfigurationHeader struct{}
type SetAltSettingHeader struct {
	Interface  uint8
	AltSetting uint8
}
type AltSettingStatusHeader struct {
	Status     Status
	Interface  uint8
	AltSetting uint8
}
type GetAltSettingHeader struct{ Interface uint8 }

type StartIsoStreamHeader struct {
	Endpoint        uint8
	PktsPerTransfer uint8
	TransferCount   uint8
	MaxPacketSize   uint32 // present iff cap_ep_info_max_packet_size
}
type StopIsoStreamHeader struct{ Endpoint uint8 }
type IsoStreamStatusHeader struct {
	Status   Status
	Endpoint uint8
}

type StartInterruptReceivingHeader struct {
	Endpoint      uint8
	TransferCount uint8
	MaxPacketSize uint32 // present iff cap_ep_info_max_packet_size
}
type StopInterruptReceivingHeader struct{ Endpoint uint8 }
type InterruptReceivingStatusHeader struct {
	Status   Status
	Endpoint uint8
}

type StartBulkReceivingHeader struct {
	Endpoint         uint8
	StreamID         uint32 // present iff cap_bulk_streams
	BytesPerTransfer uint32
}
type StopBulkReceivingHeader struct {
	Endpoint uint8
	StreamID uint32 // present iff cap_bulk_streams
}
type BulkReceivingStatusHeader struct {
	Status           Status
	Endpoint         uint8
	BytesPerTransfer uint32
}

type AllocBulkStreamsHeader struct {
	NumEndpoints uint32
	Endpoints    [32]uint8
	NumStreams   uint32
}
type FreeBulkStreamsHeader struct {
	NumEndpoints uint32
	Endpoints    [32]uint8
}
type BulkStreamsStatusHeader struct {
	Status       Status
	NumEndpoints uint32
	Endpoints    [32]uint8
}

type CancelDataPacketHeader struct{}
type FilterRejectHeader struct{}
type FilterFilterHeader struct{} // payload carries the NUL-terminated rule string

type ControlPacketHeader struct {
	Endpoint    uint8
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Status      Status
}

type BulkPacketHeader struct {
	Endpoint   uint8
	Status     Status
	Length     uint16
	StreamID   uint32 // present iff cap_bulk_streams
	LengthHigh uint16 // present iff cap_32bits_bulk_length
}

type IsoPacketHeader struct {
	Endpoint uint8
	Status   Status
	Length   uint16
}

type InterruptPacketHeader struct {
	Endpoint uint8
	Status   Status
	Length   uint16
}

type BufferedBulkPacketHeader struct {
	Endpoint uint8
	Status   Status
	Length   uint32
	StreamID uint32 // present iff cap_bulk_streams
}

// typeHeaderSize computes the wire size of t's type header given the
// effective (mutual) capability set. role is not consulted. It returns -1
// for hello (whose size varies) and for unknown types.
func typeHeaderSize(t PacketType, caps CapabilitySet, role Role) int {
	if !validDirection(t, sendDirectionForRead(t, role)) {
		return -1
	}
	switch t {
	case TypeHello:
		return -1 // variable: header accounted for separately, see codec.go
	case TypeDeviceConnect:
		n := 1 + 1 + 1 + 1 + 2 + 2
		if caps.Has(CapConnectDeviceVersion) {
			n += 2
		}
		return n
	case TypeDeviceDisconnect, TypeDeviceDisconnectAck, TypeReset,
		TypeGetConfiguration, TypeFilterReject, TypeCancelDataPacket:
		return 0
	case TypeInterfaceInfo:
		return 4 + 4*MaxInterfaceCount
	case TypeEpInfo:
		n := 3 * 32
		if caps.Has(CapEpInfoMaxPacketSize) {
			n += 2 * 32
		}
		if caps.Has(CapBulkStreams) {
			n += 4 * 32
		}
		return n
	case TypeSetConfiguration:
		return 1
	case TypeConfigurationStatus:
		return 4 + 1
	case TypeSetAltSetting:
		return 2
	case TypeAltSettingStatus:
		return 4 + 2
	case TypeGetAltSetting:
		return 1
	case TypeStartIsoStream:
		n := 3
		if caps.Has(CapEpInfoMaxPacketSize) {
			n += 4
		}
		return n
	case TypeStopIsoStream:
		return 1
	case TypeIsoStreamStatus:
		return 4 + 1
	case TypeStartInterruptReceiving:
		n := 2
		if caps.Has(CapEpInfoMaxPacketSize) {
			n += 4
		}
		return n
	case TypeStopInterruptReceiving:
		return 1
	case TypeInterruptReceivingStatus:
		return 4 + 1
	case TypeStartBulkReceiving:
		n := 1 + 4
		if caps.Has(CapBulkStreams) {
			n += 4
		}
		return n
	case TypeStopBulkReceiving:
		n := 1
		if caps.Has(CapBulkStreams) {
			n += 4
		}
		return n
	case TypeBulkReceivingStatus:
		return 4 + 1 + 4
	case TypeAllocBulkStreams:
		return 4 + 32 + 4
	case TypeFreeBulkStreams:
		return 4 + 32
	case TypeBulkStreamsStatus:
		return 4 + 4 + 32
	case TypeFilterFilter:
		return 0 // payload-only; non-empty, NUL-terminated, validated separately
	case TypeControlPacket:
		return 1 + 1 + 1 + 2 + 2 + 2 + 4
	case TypeBulkPacket:
		n := 1 + 4 + 2
		if caps.Has(CapBulkStreams) {
			n += 4
		}
		if caps.Has(Cap32BitsBulkLength) {
			n += 2
		}
		return n
	case TypeIsoPacket, TypeInterruptPacket:
		return 1 + 4 + 2
	case TypeBufferedBulkPacket:
		n := 1 + 4 + 4
		if caps.Has(CapBulkStreams) {
			n += 4
		}
		return n
	default:
		return -1
	}
}

// sendDirectionForRead treats "is this type valid to appear at all" as
// direction-agnostic for the purpose of typeHeaderSize's table lookup; actual
// role-direction enforcement happens once more, explicitly, in codec.go,
// against the direction the frame is travelling on the wire.
func sendDirectionForRead(t PacketType, role Role) direction {
	_ = role
	d, ok := allowedDirections[t]
	if !ok {
		return 0
	}
	return d
}

func encodeErr(t PacketType, err error) error {
	return fmt.Errorf("protocol: encode %s: %w", t, err)
}

// EncodeTypeHeader serializes h (one of the Type* structs) for wire type t
// under caps, writing exactly typeHeaderSize(t, caps, role) bytes.
func EncodeTypeHeader(buf *bytes.Buffer, t PacketType, caps CapabilitySet, h any) error {
	w := func(v any) error { return binary.Write(buf, binary.LittleEndian, v) }
	switch v := h.(type) {
	case *HelloHeader:
		buf.Write(v.Version[:])
		return w(v.Capabilities)
	case *DeviceConnectHeader:
		if err := w(v.Speed); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.DeviceClass); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.DeviceSubclass); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.DeviceProtocol); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.VendorID); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.ProductID); err != nil {
			return encodeErr(t, err)
		}
		if caps.Has(CapConnectDeviceVersion) {
			return w(v.DeviceVersionBCD)
		}
		return nil
	case *InterfaceInfoHeader:
		if err := w(v.InterfaceCount); err != nil {
			return encodeErr(t, err)
		}
		buf.Write(v.Interface[:])
		buf.Write(v.InterfaceClass[:])
		buf.Write(v.InterfaceSubclass[:])
		buf.Write(v.InterfaceProtocol[:])
		return nil
	case *EpInfoHeader:
		buf.Write(v.Type[:])
		buf.Write(v.Interval[:])
		buf.Write(v.Interface[:])
		if caps.Has(CapEpInfoMaxPacketSize) {
			if err := w(v.MaxPacketSize); err != nil {
				return encodeErr(t, err)
			}
		}
		if caps.Has(CapBulkStreams) {
			if err := w(v.MaxStreams); err != nil {
				return encodeErr(t, err)
			}
		}
		return nil
	case *SetConfigurationHeader:
		return w(v.Configuration)
	case *ConfigurationStatusHeader:
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		return w(v.Configuration)
	case *GetConfigurationHeader:
		return nil
	case *SetAltSettingHeader:
		if err := w(v.Interface); err != nil {
			return encodeErr(t, err)
		}
		return w(v.AltSetting)
	case *AltSettingStatusHeader:
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Interface); err != nil {
			return encodeErr(t, err)
		}
		return w(v.AltSetting)
	case *GetAltSettingHeader:
		return w(v.Interface)
	case *StartIsoStreamHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.PktsPerTransfer); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.TransferCount); err != nil {
			return encodeErr(t, err)
		}
		if caps.Has(CapEpInfoMaxPacketSize) {
			return w(v.MaxPacketSize)
		}
		return nil
	case *StopIsoStreamHeader:
		return w(v.Endpoint)
	case *IsoStreamStatusHeader:
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		return w(v.Endpoint)
	case *StartInterruptReceivingHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.TransferCount); err != nil {
			return encodeErr(t, err)
		}
		if caps.Has(CapEpInfoMaxPacketSize) {
			return w(v.MaxPacketSize)
		}
		return nil
	case *StopInterruptReceivingHeader:
		return w(v.Endpoint)
	case *InterruptReceivingStatusHeader:
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		return w(v.Endpoint)
	case *StartBulkReceivingHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if caps.Has(CapBulkStreams) {
			if err := w(v.StreamID); err != nil {
				return encodeErr(t, err)
			}
		}
		return w(v.BytesPerTransfer)
	case *StopBulkReceivingHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if caps.Has(CapBulkStreams) {
			return w(v.StreamID)
		}
		return nil
	case *BulkReceivingStatusHeader:
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		return w(v.BytesPerTransfer)
	case *AllocBulkStreamsHeader:
		if err := w(v.NumEndpoints); err != nil {
			return encodeErr(t, err)
		}
		buf.Write(v.Endpoints[:])
		return w(v.NumStreams)
	case *FreeBulkStreamsHeader:
		if err := w(v.NumEndpoints); err != nil {
			return encodeErr(t, err)
		}
		buf.Write(v.Endpoints[:])
		return nil
	case *BulkStreamsStatusHeader:
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.NumEndpoints); err != nil {
			return encodeErr(t, err)
		}
		buf.Write(v.Endpoints[:])
		return nil
	case *CancelDataPacketHeader, *FilterRejectHeader, *FilterFilterHeader:
		return nil
	case *ControlPacketHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.RequestType); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Request); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Value); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Index); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Length); err != nil {
			return encodeErr(t, err)
		}
		return w(v.Status)
	case *BulkPacketHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Length); err != nil {
			return encodeErr(t, err)
		}
		if caps.Has(CapBulkStreams) {
			if err := w(v.StreamID); err != nil {
				return encodeErr(t, err)
			}
		}
		if caps.Has(Cap32BitsBulkLength) {
			return w(v.LengthHigh)
		}
		return nil
	case *IsoPacketHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		return w(v.Length)
	case *InterruptPacketHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		return w(v.Length)
	case *BufferedBulkPacketHeader:
		if err := w(v.Endpoint); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Status); err != nil {
			return encodeErr(t, err)
		}
		if err := w(v.Length); err != nil {
			return encodeErr(t, err)
		}
		if caps.Has(CapBulkStreams) {
			return w(v.StreamID)
		}
		return nil
	default:
		return fmt.Errorf("protocol: unknown type header %T for %s", h, t)
	}
}

// DecodeTypeHeader is the inverse of EncodeTypeHeader: it allocates and fills
// the canonical (widest) struct for t from exactly data (which must be
// typeHeaderSize(t, caps, role) bytes, already sliced out by the caller).
func DecodeTypeHeader(t PacketType, caps CapabilitySet, data []byte) (any, error) {
	r := bytes.NewReader(data)
	rd := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }
	switch t {
	case TypeHello:
		h := &HelloHeader{}
		if len(data) < 64 {
			return nil, fmt.Errorf("protocol: hello header too short")
		}
		copy(h.Version[:], data[:64])
		rest := data[64:]
		if len(rest)%4 != 0 {
			return nil, fmt.Errorf("protocol: hello capability words not 32-bit aligned")
		}
		h.Capabilities = make([]uint32, len(rest)/4)
		for i := range h.Capabilities {
			h.Capabilities[i] = binary.LittleEndian.Uint32(rest[i*4:])
		}
		return h, nil
	case TypeDeviceConnect:
		h := &DeviceConnectHeader{}
		for _, f := range []any{&h.Speed, &h.DeviceClass, &h.DeviceSubclass, &h.DeviceProtocol, &h.VendorID, &h.ProductID} {
			if err := rd(f); err != nil {
				return nil, err
			}
		}
		if caps.Has(CapConnectDeviceVersion) {
			if err := rd(&h.DeviceVersionBCD); err != nil {
				return nil, err
			}
		}
		return h, nil
	case TypeDeviceDisconnect, TypeDeviceDisconnectAck, TypeReset, TypeGetConfiguration, TypeFilterReject, TypeCancelDataPacket:
		return struct{}{}, nil
	case TypeInterfaceInfo:
		h := &InterfaceInfoHeader{}
		if err := rd(&h.InterfaceCount); err != nil {
			return nil, err
		}
		if err := rd(&h.Interface); err != nil {
			return nil, err
		}
		if err := rd(&h.InterfaceClass); err != nil {
			return nil, err
		}
		if err := rd(&h.InterfaceSubclass); err != nil {
			return nil, err
		}
		if err := rd(&h.InterfaceProtocol); err != nil {
			return nil, err
		}
		return h, nil
	case TypeEpInfo:
		h := &EpInfoHeader{}
		if err := rd(&h.Type); err != nil {
			return nil, err
		}
		if err := rd(&h.Interval); err != nil {
			return nil, err
		}
		if err := rd(&h.Interface); err != nil {
			return nil, err
		}
		if caps.Has(CapEpInfoMaxPacketSize) {
			if err := rd(&h.MaxPacketSize); err != nil {
				return nil, err
			}
		}
		if caps.Has(CapBulkStreams) {
			if err := rd(&h.MaxStreams); err != nil {
				return nil, err
			}
		}
		return h, nil
	case TypeSetConfiguration:
		h := &SetConfigurationHeader{}
		return h, rd(&h.Configuration)
	case TypeConfigurationStatus:
		h := &ConfigurationStatusHeader{}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		return h, rd(&h.Configuration)
	case TypeSetAltSetting:
		h := &SetAltSettingHeader{}
		if err := rd(&h.Interface); err != nil {
			return nil, err
		}
		return h, rd(&h.AltSetting)
	case TypeAltSettingStatus:
		h := &AltSettingStatusHeader{}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		if err := rd(&h.Interface); err != nil {
			return nil, err
		}
		return h, rd(&h.AltSetting)
	case TypeGetAltSetting:
		h := &GetAltSettingHeader{}
		return h, rd(&h.Interface)
	case TypeStartIsoStream:
		h := &StartIsoStreamHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if err := rd(&h.PktsPerTransfer); err != nil {
			return nil, err
		}
		if err := rd(&h.TransferCount); err != nil {
			return nil, err
		}
		if caps.Has(CapEpInfoMaxPacketSize) {
			if err := rd(&h.MaxPacketSize); err != nil {
				return nil, err
			}
		}
		return h, nil
	case TypeStopIsoStream:
		h := &StopIsoStreamHeader{}
		return h, rd(&h.Endpoint)
	case TypeIsoStreamStatus:
		h := &IsoStreamStatusHeader{}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		return h, rd(&h.Endpoint)
	case TypeStartInterruptReceiving:
		h := &StartInterruptReceivingHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if err := rd(&h.TransferCount); err != nil {
			return nil, err
		}
		if caps.Has(CapEpInfoMaxPacketSize) {
			if err := rd(&h.MaxPacketSize); err != nil {
				return nil, err
			}
		}
		return h, nil
	case TypeStopInterruptReceiving:
		h := &StopInterruptReceivingHeader{}
		return h, rd(&h.Endpoint)
	case TypeInterruptReceivingStatus:
		h := &InterruptReceivingStatusHeader{}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		return h, rd(&h.Endpoint)
	case TypeStartBulkReceiving:
		h := &StartBulkReceivingHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if caps.Has(CapBulkStreams) {
			if err := rd(&h.StreamID); err != nil {
				return nil, err
			}
		}
		return h, rd(&h.BytesPerTransfer)
	case TypeStopBulkReceiving:
		h := &StopBulkReceivingHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if caps.Has(CapBulkStreams) {
			return h, rd(&h.StreamID)
		}
		return h, nil
	case TypeBulkReceivingStatus:
		h := &BulkReceivingStatusHeader{}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		return h, rd(&h.BytesPerTransfer)
	case TypeAllocBulkStreams:
		h := &AllocBulkStreamsHeader{}
		if err := rd(&h.NumEndpoints); err != nil {
			return nil, err
		}
		if err := rd(&h.Endpoints); err != nil {
			return nil, err
		}
		return h, rd(&h.NumStreams)
	case TypeFreeBulkStreams:
		h := &FreeBulkStreamsHeader{}
		if err := rd(&h.NumEndpoints); err != nil {
			return nil, err
		}
		return h, rd(&h.Endpoints)
	case TypeBulkStreamsStatus:
		h := &BulkStreamsStatusHeader{}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		if err := rd(&h.NumEndpoints); err != nil {
			return nil, err
		}
		return h, rd(&h.Endpoints)
	case TypeFilterFilter:
		return &FilterFilterHeader{}, nil
	case TypeControlPacket:
		h := &ControlPacketHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if err := rd(&h.RequestType); err != nil {
			return nil, err
		}
		if err := rd(&h.Request); err != nil {
			return nil, err
		}
		if err := rd(&h.Value); err != nil {
			return nil, err
		}
		if err := rd(&h.Index); err != nil {
			return nil, err
		}
		if err := rd(&h.Length); err != nil {
			return nil, err
		}
		return h, rd(&h.Status)
	case TypeBulkPacket:
		h := &BulkPacketHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		if err := rd(&h.Length); err != nil {
			return nil, err
		}
		if caps.Has(CapBulkStreams) {
			if err := rd(&h.StreamID); err != nil {
				return nil, err
			}
		}
		if caps.Has(Cap32BitsBulkLength) {
			if err := rd(&h.LengthHigh); err != nil {
				return nil, err
			}
		}
		return h, nil
	case TypeIsoPacket:
		h := &IsoPacketHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		return h, rd(&h.Length)
	case TypeInterruptPacket:
		h := &InterruptPacketHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		return h, rd(&h.Length)
	case TypeBufferedBulkPacket:
		h := &BufferedBulkPacketHeader{}
		if err := rd(&h.Endpoint); err != nil {
			return nil, err
		}
		if err := rd(&h.Status); err != nil {
			return nil, err
		}
		if err := rd(&h.Length); err != nil {
			return nil, err
		}
		if caps.Has(CapBulkStreams) {
			return h, rd(&h.StreamID)
		}
		return h, nil
	default:
		return nil, fmt.Errorf("protocol: unknown packet type %s", t)
	}
}

// BulkPacketTotalLength reassembles the 16/32-bit split length field.
func BulkPacketTotalLength(h *BulkPacketHeader, caps CapabilitySet) uint32 {
	if !caps.Has(Cap32BitsBulkLength) {
		return uint32(h.Length)
	}
	return uint32(h.Length) | uint32(h.LengthHigh)<<16
}
