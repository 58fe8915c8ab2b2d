// Package protocol implements the framed wire protocol that tunnels a USB
// device across a reliable, ordered byte stream: header parsing, capability
// negotiation, the outbound write queue, and mid-stream serialization.
package protocol

import "fmt"

// Role selects which direction of the protocol a Parser enforces.
type Role int

const (
	RoleDevice Role = iota // owns the physical USB device
	RoleGuest               // drives the device remotely
)

func (r Role) String() string {
	if r == RoleDevice {
		return "device"
	}
	return "guest"
}

// MaxPacketSize bounds header.Length: ~128MiB of payload plus 1KiB of
// type-header slack.
const MaxPacketSize = 128*1024*1024 + 1024

// MaxBulkTransferSize bounds start_bulk_receiving.BytesPerTransfer.
const MaxBulkTransferSize = 16 * 1024 * 1024

// MaxInterfaceCount bounds interface_info.InterfaceCount.
const MaxInterfaceCount = 32

// MaxTransferCount and MaxPacketsPerTransfer bound a stream's ring.
const (
	MaxTransferCount      = 16
	MaxPacketsPerTransfer = 32
)

// PacketType identifies a wire packet. Values are stable within this module;
// the numbering is this module's own, in the iota order below.
type PacketType uint32

const (
	TypeHello PacketType = iota

	// Device control lifecycle
	TypeDeviceConnect
	TypeDeviceDisconnect
	TypeDeviceDisconnectAck
	TypeReset

	// Topology
	TypeInterfaceInfo
	TypeEpInfo
	TypeSetConfiguration
	TypeConfigurationStatus
	TypeGetConfiguration
	TypeSetAltSetting
	TypeAltSettingStatus
	TypeGetAltSetting

	// Iso stream lifecycle
	TypeStartIsoStream
	TypeStopIsoStream
	TypeIsoStreamStatus

	// Interrupt receiving lifecycle
	TypeStartInterruptReceiving
	TypeStopInterruptReceiving
	TypeInterruptReceivingStatus

	// Bulk receiving lifecycle
	TypeStartBulkReceiving
	TypeStopBulkReceiving
	TypeBulkReceivingStatus

	// Bulk streams (USB 3 stream IDs)
	TypeAllocBulkStreams
	TypeFreeBulkStreams
	TypeBulkStreamsStatus

	// One-shot cancellation and filtering
	TypeCancelDataPacket
	TypeFilterReject
	TypeFilterFilter
	TypeDeviceDisconnectAck2 // reserved value; no packet uses it

	// Data packets (payload-carrying)
	TypeControlPacket
	TypeBulkPacket
	TypeIsoPacket
	TypeInterruptPacket
	TypeBufferedBulkPacket
)

// numControlTypes + numDataTypes documents the catalog shape: 29 control
// values (28 control types plus the reserved one) followed by 5 data types.
const (
	firstDataType  = TypeControlPacket
	numControlTypes = int(firstDataType)
	numDataTypes    = int(TypeBufferedBulkPacket-firstDataType) + 1
)

func (t PacketType) IsDataType() bool {
	return t >= firstDataType
}

func (t PacketType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("PacketType(%d)", uint32(t))
}

var typeNames = map[PacketType]string{
	TypeHello:                    "hello",
	TypeDeviceConnect:            "device_connect",
	TypeDeviceDisconnect:         "device_disconnect",
	TypeDeviceDisconnectAck:      "device_disconnect_ack",
	TypeReset:                    "reset",
	TypeInterfaceInfo:            "interface_info",
	TypeEpInfo:                   "ep_info",
	TypeSetConfiguration:         "set_configuration",
	TypeConfigurationStatus:      "configuration_status",
	TypeGetConfiguration:         "get_configuration",
	TypeSetAltSetting:            "set_alt_setting",
	TypeAltSettingStatus:         "alt_setting_status",
	TypeGetAltSetting:            "get_alt_setting",
	TypeStartIsoStream:           "start_iso_stream",
	TypeStopIsoStream:            "stop_iso_stream",
	TypeIsoStreamStatus:          "iso_stream_status",
	TypeStartInterruptReceiving:  "start_interrupt_receiving",
	TypeStopInterruptReceiving:   "stop_interrupt_receiving",
	TypeInterruptReceivingStatus: "interrupt_receiving_status",
	TypeStartBulkReceiving:       "start_bulk_receiving",
	TypeStopBulkReceiving:        "stop_bulk_receiving",
	TypeBulkReceivingStatus:      "bulk_receiving_status",
	TypeAllocBulkStreams:         "alloc_bulk_streams",
	TypeFreeBulkStreams:          "free_bulk_streams",
	TypeBulkStreamsStatus:        "bulk_streams_status",
	TypeCancelDataPacket:         "cancel_data_packet",
	TypeFilterReject:             "filter_reject",
	TypeFilterFilter:             "filter_filter",
	TypeControlPacket:            "control_packet",
	TypeBulkPacket:               "bulk_packet",
	TypeIsoPacket:                "iso_packet",
	TypeInterruptPacket:          "interrupt_packet",
	TypeBufferedBulkPacket:       "buffered_bulk_packet",
}

// Status is a wire status code. Unknown codes are treated as Error by callers.
type Status int32

const (
	StatusSuccess Status = iota
	StatusCancelled
	StatusInval
	StatusIOError
	StatusStall
	StatusTimeout
	StatusBabble
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusInval:
		return "inval"
	case StatusIOError:
		return "ioerror"
	case StatusStall:
		return "stall"
	case StatusTimeout:
		return "timeout"
	case StatusBabble:
		return "babble"
	default:
		return "error"
	}
}

// Header is the fixed main header: {type, length, id}. Length counts the
// type header and payload only, never the main header itself. Id is 32 or
// 64 bits wide on the wire depending on the mutual cap_64bits_ids capability;
// Hello always uses a 32-bit id regardless of capability state.
type Header struct {
	Type   PacketType
	Length uint32
	ID     uint64
}

// Packet is a fully decoded frame handed to the consumer's dispatch
// callbacks. Data is nil unless Type carries a payload.
type Packet struct {
	Header     Header
	TypeHeader any // one of the Type* structs below
	Data       []byte
}

// Speed is the negotiated USB link speed reported in device_connect.
type Speed uint8

const (
	SpeedLow Speed = iota
	SpeedFull
	SpeedHigh
	SpeedSuper
	SpeedUnknown
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}
