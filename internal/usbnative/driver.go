// Package usbnative defines the native USB access boundary: asynchronous
// USB primitives with completion callbacks for device enumeration,
// transfer submission, and hot-plug. The engine (internal/engine)
// consumes only this interface; concrete
// implementations live in gousb_driver.go (real hardware, via
// github.com/google/gousb) and sim.go (an in-memory fake used by engine
// tests).
package usbnative

import "context"

// TransferType mirrors the wire protocol's transfer kinds.
type TransferType uint8

const (
	TransferControl TransferType = iota
	TransferBulk
	TransferInterrupt
	TransferIsochronous
)

// Speed is the negotiated USB link speed.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

// EndpointDescriptor is one endpoint of an interface's active alt setting.
type EndpointDescriptor struct {
	Address       uint8 // includes the direction bit (0x80)
	Type          TransferType
	Interval      uint8
	MaxPacketSize uint16
	MaxStreams    uint32 // 0 if the endpoint does not support bulk streams
}

// AltSetting is one alternate setting of an interface.
type AltSetting struct {
	Number    uint8
	Class     uint8
	Subclass  uint8
	Protocol  uint8
	Endpoints []EndpointDescriptor
}

// InterfaceDescriptor groups an interface number with its alt settings.
type InterfaceDescriptor struct {
	Number      uint8
	AltSettings []AltSetting
}

// ConfigDescriptor is one configuration of a device.
type ConfigDescriptor struct {
	Value      uint8
	Interfaces []InterfaceDescriptor
}

// DeviceDescriptor is the set of device-level descriptors the engine and
// filter need.
type DeviceDescriptor struct {
	Speed            Speed
	Class            uint8
	Subclass         uint8
	Protocol         uint8
	VendorID         uint16
	ProductID        uint16
	VersionBCD       uint16
	Configurations   []ConfigDescriptor
}

// TransferStatus is the outcome of a completed (or failed) native transfer,
// translated by the engine into a wire Status.
type TransferStatus uint8

const (
	StatusCompleted TransferStatus = iota
	StatusCancelled
	StatusStall
	StatusTimedOut
	StatusOverflow // babble: device sent more than the endpoint permits
	StatusError
	StatusNoDevice
)

// IsoPacketResult is one packet's outcome within a completed isochronous
// transfer.
type IsoPacketResult struct {
	Length int
	Status TransferStatus
}

// CompletionFunc is invoked once per submitted transfer's outcome, on the
// native event-handling thread. actualLength is the number of
// bytes transferred (request length for OUT transfers is echoed by the
// caller, not here); packets is non-nil only for isochronous transfers.
type CompletionFunc func(status TransferStatus, actualLength int, packets []IsoPacketResult)

// ControlRequest carries a control transfer's setup packet fields.
type ControlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
}

// Transfer is a handle to one submitted, possibly still in-flight, native
// transfer.
type Transfer interface {
	// Cancel requests cancellation; the transfer's CompletionFunc still
	// fires exactly once, with StatusCancelled (or whatever the native
	// layer observed if cancellation lost the race with real completion).
	Cancel() error
}

// Driver is the abstract native USB surface: device enumeration, transfer
// submission, and hot-plug, as async primitives with completion
// callbacks. One Driver value owns at most one opened device.
type Driver interface {
	// Open opens the first device matching vendorID/productID.
	Open(ctx context.Context, vendorID, productID uint16) error
	Close() error

	// Descriptor returns the currently cached device descriptor tree,
	// valid after Open and refreshed by SetConfiguration/ResetDevice.
	Descriptor() DeviceDescriptor
	ActiveConfiguration() uint8

	ClaimInterface(intf uint8) error
	ReleaseInterface(intf uint8) error
	SetConfiguration(cfg uint8) error
	SetInterfaceAltSetting(intf, alt uint8) error
	ResetDevice() error
	ClearHalt(endpoint uint8) error

	AllocStreams(endpoint uint8, numStreams uint32) error
	FreeStreams(endpoint uint8) error

	SubmitControl(req ControlRequest, out []byte, in bool, completion CompletionFunc) (Transfer, error)
	SubmitBulk(endpoint uint8, data []byte, completion CompletionFunc) (Transfer, error)
	SubmitInterrupt(endpoint uint8, data []byte, completion CompletionFunc) (Transfer, error)
	SubmitIso(endpoint uint8, packetSize uint32, numPackets int, data []byte, completion CompletionFunc) (Transfer, error)
	SubmitBulkStream(endpoint uint8, streamID uint32, data []byte, completion CompletionFunc) (Transfer, error)

	// HandleEvents pumps the native event loop until ctx is cancelled; the
	// engine runs it on its own goroutine, since native USB completion
	// callbacks run on the event-handling thread.
	HandleEvents(ctx context.Context) error
}

// Quirk is a per-(vendor,product) override applied at device-set time.
type Quirk struct {
	VendorID, ProductID uint16
	SuppressReset       bool
}
