//go:build !mips && !mipsle
// +build !mips,!mipsle

package usbnative

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

// GousbDriver is the real hardware Driver, built on
// github.com/google/gousb for open-by-ids, claim, and endpoint I/O. Every
// Submit* call runs the transfer on its own goroutine and invokes
// completion once the blocking gousb call returns, which is how this
// pure-Go libusb binding exposes "asynchronous" transfers: there is no
// native completion-callback API to hook into below it.
type GousbDriver struct {
	ctx *gousb.Context

	mu      sync.Mutex
	dev     *gousb.Device
	cfg     *gousb.Config
	cfgNum  uint8
	ifaces  map[uint8]*gousb.Interface
	alts    map[uint8]uint8
	inEps   map[uint8]*gousb.InEndpoint
	outEps  map[uint8]*gousb.OutEndpoint
	desc    DeviceDescriptor
	pending sync.WaitGroup
}

// NewGousbDriver constructs an unopened driver.
func NewGousbDriver() *GousbDriver {
	return &GousbDriver{
		ifaces: make(map[uint8]*gousb.Interface),
		alts:   make(map[uint8]uint8),
		inEps:  make(map[uint8]*gousb.InEndpoint),
		outEps: make(map[uint8]*gousb.OutEndpoint),
	}
}

func (d *GousbDriver) Open(ctx context.Context, vendorID, productID uint16) error {
	d.ctx = gousb.NewContext()
	dev, err := d.ctx.OpenDeviceWithVIDPID(gousb.ID(vendorID), gousb.ID(productID))
	if err != nil {
		d.ctx.Close()
		return fmt.Errorf("usbnative: open vid=%#04x pid=%#04x: %w", vendorID, productID, err)
	}
	if dev == nil {
		d.ctx.Close()
		return fmt.Errorf("usbnative: device vid=%#04x pid=%#04x not found", vendorID, productID)
	}
	dev.SetAutoDetach(true)
	d.dev = dev
	d.desc = descriptorFromGousb(dev)
	return nil
}

func (d *GousbDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending.Wait()
	for _, intf := range d.ifaces {
		intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return nil
}

func descriptorFromGousb(dev *gousb.Device) DeviceDescriptor {
	desc := dev.Desc
	dd := DeviceDescriptor{
		Speed:      speedFromGousb(desc.Speed),
		Class:      uint8(desc.Class),
		Subclass:   uint8(desc.SubClass),
		Protocol:   uint8(desc.Protocol),
		VendorID:   uint16(desc.Vendor),
		ProductID:  uint16(desc.Product),
		VersionBCD: uint16(desc.Device.Major)<<8 | uint16(desc.Device.Minor),
	}
	for _, cfg := range desc.Configs {
		cd := ConfigDescriptor{Value: uint8(cfg.Number)}
		for ifNum, intf := range cfg.Interfaces {
			id := InterfaceDescriptor{Number: uint8(ifNum)}
			for _, alt := range intf.AltSettings {
				as := AltSetting{
					Number:   uint8(alt.Number),
					Class:    uint8(alt.Class),
					Subclass: uint8(alt.SubClass),
					Protocol: uint8(alt.Protocol),
				}
				for _, ep := range alt.Endpoints {
					as.Endpoints = append(as.Endpoints, EndpointDescriptor{
						Address:       uint8(ep.Number) | directionBit(ep.Direction),
						Type:          transferTypeFromGousb(ep.TransferType),
						Interval:      uint8(ep.PollInterval / time.Millisecond),
						MaxPacketSize: uint16(ep.MaxPacketSize),
					})
				}
				id.AltSettings = append(id.AltSettings, as)
			}
			cd.Interfaces = append(cd.Interfaces, id)
		}
		dd.Configurations = append(dd.Configurations, cd)
	}
	return dd
}

func directionBit(dir gousb.EndpointDirection) uint8 {
	if dir == gousb.EndpointDirectionIn {
		return 0x80
	}
	return 0
}

func transferTypeFromGousb(t gousb.TransferType) TransferType {
	switch t {
	case gousb.TransferTypeBulk:
		return TransferBulk
	case gousb.TransferTypeInterrupt:
		return TransferInterrupt
	case gousb.TransferTypeIsochronous:
		return TransferIsochronous
	default:
		return TransferControl
	}
}

func speedFromGousb(s gousb.Speed) Speed {
	switch s {
	case gousb.SpeedLow:
		return SpeedLow
	case gousb.SpeedFull:
		return SpeedFull
	case gousb.SpeedHigh:
		return SpeedHigh
	case gousb.SpeedSuper:
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}

func (d *GousbDriver) Descriptor() DeviceDescriptor { return d.desc }

func (d *GousbDriver) ActiveConfiguration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfgNum
}

func (d *GousbDriver) SetConfiguration(cfgNum uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ep := range d.ifaces {
		d.ifaces[ep].Close()
		delete(d.ifaces, ep)
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	cfg, err := d.dev.Config(int(cfgNum))
	if err != nil {
		return fmt.Errorf("usbnative: set configuration %d: %w", cfgNum, err)
	}
	d.cfg = cfg
	d.cfgNum = cfgNum
	d.desc = descriptorFromGousb(d.dev)
	return nil
}

func (d *GousbDriver) ClaimInterface(intf uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg == nil {
		return fmt.Errorf("usbnative: claim interface %d: no active configuration", intf)
	}
	alt := d.alts[intf]
	iface, err := d.cfg.Interface(int(intf), int(alt))
	if err != nil {
		return fmt.Errorf("usbnative: claim interface %d alt %d: %w", intf, alt, err)
	}
	d.ifaces[intf] = iface
	d.endpointCacheClear(intf)
	return nil
}

func (d *GousbDriver) ReleaseInterface(intf uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if iface, ok := d.ifaces[intf]; ok {
		iface.Close()
		delete(d.ifaces, intf)
	}
	d.endpointCacheClear(intf)
	return nil
}

func (d *GousbDriver) SetInterfaceAltSetting(intf, alt uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if iface, ok := d.ifaces[intf]; ok {
		iface.Close()
	}
	iface, err := d.cfg.Interface(int(intf), int(alt))
	if err != nil {
		return fmt.Errorf("usbnative: set alt setting intf=%d alt=%d: %w", intf, alt, err)
	}
	d.ifaces[intf] = iface
	d.alts[intf] = alt
	d.endpointCacheClear(intf)
	return nil
}

// endpointCacheClear drops every cached endpoint handle, not only intf's;
// they are re-opened lazily on next submit, since gousb ties an endpoint's
// identity to the *gousb.Interface that produced it.
func (d *GousbDriver) endpointCacheClear(intf uint8) {
	for addr := range d.inEps {
		delete(d.inEps, addr)
	}
	for addr := range d.outEps {
		delete(d.outEps, addr)
	}
}

func (d *GousbDriver) ResetDevice() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dev.Reset(); err != nil {
		return fmt.Errorf("usbnative: reset device: %w", err)
	}
	return nil
}

func (d *GousbDriver) ClearHalt(endpoint uint8) error {
	// gousb has no exported ClearHalt; the underlying control request is
	// CLEAR_FEATURE(ENDPOINT_HALT), issued directly here rather than
	// through SubmitControl so the engine's stall-recovery path stays
	// synchronous.
	d.mu.Lock()
	dev := d.dev
	d.mu.Unlock()
	_, err := dev.Control(0x02, 0x01, 0, uint16(endpoint), nil)
	if err != nil {
		return fmt.Errorf("usbnative: clear halt ep=%#02x: %w", endpoint, err)
	}
	return nil
}

func (d *GousbDriver) AllocStreams(endpoint uint8, numStreams uint32) error {
	// github.com/google/gousb does not expose USB3 bulk stream allocation;
	// streamed transfers are submitted without a distinct stream context,
	// which is adequate for the single-stream-per-endpoint usage the
	// engine's alloc_stream already serializes per endpoint.
	return nil
}

func (d *GousbDriver) FreeStreams(endpoint uint8) error { return nil }

func (d *GousbDriver) inEndpoint(addr uint8) (*gousb.InEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ep, ok := d.inEps[addr]; ok {
		return ep, nil
	}
	for _, iface := range d.ifaces {
		ep, err := iface.InEndpoint(int(addr &^ 0x80))
		if err == nil {
			d.inEps[addr] = ep
			return ep, nil
		}
	}
	return nil, fmt.Errorf("usbnative: in endpoint %#02x not found on any claimed interface", addr)
}

func (d *GousbDriver) outEndpoint(addr uint8) (*gousb.OutEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ep, ok := d.outEps[addr]; ok {
		return ep, nil
	}
	for _, iface := range d.ifaces {
		ep, err := iface.OutEndpoint(int(addr))
		if err == nil {
			d.outEps[addr] = ep
			return ep, nil
		}
	}
	return nil, fmt.Errorf("usbnative: out endpoint %#02x not found on any claimed interface", addr)
}

// gousbTransfer's Cancel cancels the context the transfer goroutine passes
// to ReadContext/WriteContext; the completion then reports StatusCancelled.
// Control transfers are not interrupted: they run to the end and report
// StatusCancelled if Cancel was called meanwhile.
type gousbTransfer struct {
	cancel context.CancelFunc
}

func (t *gousbTransfer) Cancel() error {
	t.cancel()
	return nil
}

func (d *GousbDriver) SubmitControl(req ControlRequest, data []byte, in bool, completion CompletionFunc) (Transfer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		n, err := d.dev.Control(req.RequestType, req.Request, req.Value, req.Index, data)
		if ctx.Err() != nil {
			completion(StatusCancelled, 0, nil)
			return
		}
		completion(statusFromErr(err), n, nil)
	}()
	return &gousbTransfer{cancel: cancel}, nil
}

func (d *GousbDriver) SubmitBulk(endpoint uint8, data []byte, completion CompletionFunc) (Transfer, error) {
	return d.submitStream(endpoint, data, completion)
}

func (d *GousbDriver) SubmitInterrupt(endpoint uint8, data []byte, completion CompletionFunc) (Transfer, error) {
	return d.submitStream(endpoint, data, completion)
}

func (d *GousbDriver) SubmitBulkStream(endpoint uint8, streamID uint32, data []byte, completion CompletionFunc) (Transfer, error) {
	return d.submitStream(endpoint, data, completion)
}

func (d *GousbDriver) submitStream(endpoint uint8, data []byte, completion CompletionFunc) (Transfer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		var n int
		var err error
		if endpoint&0x80 != 0 {
			var ep *gousb.InEndpoint
			ep, err = d.inEndpoint(endpoint)
			if err == nil {
				n, err = ep.ReadContext(ctx, data)
			}
		} else {
			var ep *gousb.OutEndpoint
			ep, err = d.outEndpoint(endpoint)
			if err == nil {
				n, err = ep.WriteContext(ctx, data)
			}
		}
		if ctx.Err() != nil {
			completion(StatusCancelled, 0, nil)
			return
		}
		completion(statusFromErr(err), n, nil)
	}()
	return &gousbTransfer{cancel: cancel}, nil
}

// SubmitIso issues numPackets sequential reads/writes of packetSize each,
// since the pure-Go libusb binding this driver wraps has no isochronous
// transfer API; each packet's outcome is reported individually so the
// engine's per-packet back-pressure and drop accounting still applies.
func (d *GousbDriver) SubmitIso(endpoint uint8, packetSize uint32, numPackets int, data []byte, completion CompletionFunc) (Transfer, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		results := make([]IsoPacketResult, 0, numPackets)
		total := 0
		overall := StatusCompleted
		for i := 0; i < numPackets; i++ {
			lo, hi := i*int(packetSize), (i+1)*int(packetSize)
			if hi > len(data) {
				hi = len(data)
			}
			if lo >= hi {
				results = append(results, IsoPacketResult{Status: StatusCompleted})
				continue
			}
			chunk := data[lo:hi]
			var n int
			var err error
			if endpoint&0x80 != 0 {
				var ep *gousb.InEndpoint
				ep, err = d.inEndpoint(endpoint)
				if err == nil {
					n, err = ep.ReadContext(ctx, chunk)
				}
			} else {
				var ep *gousb.OutEndpoint
				ep, err = d.outEndpoint(endpoint)
				if err == nil {
					n, err = ep.WriteContext(ctx, chunk)
				}
			}
			if ctx.Err() != nil {
				completion(StatusCancelled, total, results)
				return
			}
			st := statusFromErr(err)
			if st != StatusCompleted {
				overall = st
			}
			total += n
			results = append(results, IsoPacketResult{Length: n, Status: st})
		}
		completion(overall, total, results)
	}()
	return &gousbTransfer{cancel: cancel}, nil
}

// HandleEvents is a no-op: gousb's Context pumps libusb's event loop on its
// own internal goroutine, so there is nothing further for the engine to
// drive here beyond keeping Close from racing pending transfers.
func (d *GousbDriver) HandleEvents(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func statusFromErr(err error) TransferStatus {
	if err == nil {
		return StatusCompleted
	}
	return StatusError
}
