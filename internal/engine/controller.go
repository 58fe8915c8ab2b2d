package engine

import (
	"context"
	"fmt"

	"usbtunnel/internal/filter"
	"usbtunnel/internal/protocol"
	"usbtunnel/internal/usbnative"
)

// epWireType maps an endpoint's transfer type to the USB standard
// bmAttributes transfer-type encoding used on the wire (0=control,
// 1=isochronous, 2=bulk, 3=interrupt), independent of this package's own
// epType iota ordering.
func epWireType(t epType) uint8 {
	switch t {
	case epIso:
		return 1
	case epBulk:
		return 2
	case epInterrupt:
		return 3
	default:
		return 0
	}
}

// Attach opens the native device, evaluates the filter, and either sends
// device_connect (accepted) or filter_reject (denied). Callers run
// RunEvents on a separate goroutine once Attach succeeds.
func (e *Engine) Attach(ctx context.Context, rules []filter.Rule, defaultAllow bool) error {
	if err := e.driver.Open(ctx, e.vendorID, e.productID); err != nil {
		return fmt.Errorf("engine: open device: %w", err)
	}
	desc := e.driver.Descriptor()

	info := filter.DeviceInfo{
		Class: desc.Class, Subclass: desc.Subclass, Protocol: desc.Protocol,
		Vendor: desc.VendorID, Product: desc.ProductID, BCDDevice: desc.VersionBCD,
	}
	if len(desc.Configurations) > 0 {
		for _, intf := range desc.Configurations[0].Interfaces {
			if len(intf.AltSettings) == 0 {
				continue
			}
			alt := intf.AltSettings[0]
			info.Interfaces = append(info.Interfaces, filter.InterfaceInfo{
				Class: alt.Class, Subclass: alt.Subclass, Protocol: alt.Protocol,
			})
		}
	}

	allowed := filter.Evaluate(rules, info, defaultAllow)
	e.mu.Lock()
	e.recordDecision(allowed)
	e.mu.Unlock()
	if !allowed {
		e.parser.SendFilterReject()
		e.driver.Close()
		return nil
	}

	e.mu.Lock()
	e.attached = true
	e.mu.Unlock()

	connect := &protocol.DeviceConnectHeader{
		Speed: translateSpeed(desc.Speed),
		DeviceClass: desc.Class, DeviceSubclass: desc.Subclass, DeviceProtocol: desc.Protocol,
		VendorID: desc.VendorID, ProductID: desc.ProductID, DeviceVersionBCD: desc.VersionBCD,
	}
	e.parser.SendDeviceConnect(connect)
	e.logf(protocol.LogInfo, fmt.Sprintf("session %s: device %04x:%04x connected", e.sessionID, desc.VendorID, desc.ProductID))
	return nil
}

// Detach tears the native device down. Callers invoke this once the
// parser's peer has acknowledged disconnect (DeviceDisconnectAck) or the
// connection is otherwise ending.
func (e *Engine) Detach() error {
	e.transfers.cancelWhere(func(uint8) bool { return true })
	e.stopAllStreams()
	e.mu.Lock()
	e.attached = false
	for i := range e.endpoints {
		e.endpoints[i] = endpointSlot{}
	}
	e.mu.Unlock()
	return e.driver.Close()
}

func (e *Engine) DeviceDisconnectAck() {
	e.Detach()
}

// --- configuration / alt setting ---

func (e *Engine) SetConfiguration(h *protocol.SetConfigurationHeader) {
	// Cancel every pending transfer and stream silently before the native
	// layer switches configuration: the old endpoint table is about to be
	// replaced wholesale, so the guest is told via the re-announced
	// ep_info/interface_info below, not per-transfer cancellation replies.
	e.transfers.cancelWhere(func(uint8) bool { return true })
	e.stopAllStreams()

	if err := e.driver.SetConfiguration(h.Configuration); err != nil {
		e.parser.SendConfigurationStatus(&protocol.ConfigurationStatusHeader{
			Status: protocol.StatusIOError, Configuration: h.Configuration,
		})
		return
	}

	e.mu.Lock()
	resetTable(&e.endpoints)
	e.currentConfig = h.Configuration
	desc := e.driver.Descriptor()
	var cfg *usbnative.ConfigDescriptor
	for i := range desc.Configurations {
		if desc.Configurations[i].Value == h.Configuration {
			cfg = &desc.Configurations[i]
			break
		}
	}
	var ifaceHdr protocol.InterfaceInfoHeader
	var epHdr protocol.EpInfoHeader
	if cfg != nil {
		ifaceHdr, epHdr = e.populateConfiguration(cfg)
	}
	e.mu.Unlock()

	if cfg != nil {
		e.parser.SendEpInfo(&epHdr)
		e.parser.SendInterfaceInfo(&ifaceHdr)
	}
	e.parser.SendConfigurationStatus(&protocol.ConfigurationStatusHeader{
		Status: protocol.StatusSuccess, Configuration: h.Configuration,
	})
}

// populateConfiguration fills the endpoint table from cfg's interfaces at
// their default (0) alt setting and builds the matching wire headers.
// Caller holds e.mu.
func (e *Engine) populateConfiguration(cfg *usbnative.ConfigDescriptor) (protocol.InterfaceInfoHeader, protocol.EpInfoHeader) {
	var ih protocol.InterfaceInfoHeader
	var eh protocol.EpInfoHeader
	for _, intf := range cfg.Interfaces {
		if len(intf.AltSettings) == 0 || ih.InterfaceCount >= protocol.MaxInterfaceCount {
			continue
		}
		alt := intf.AltSettings[0]
		n := ih.InterfaceCount
		ih.Interface[n] = intf.Number
		ih.InterfaceClass[n] = alt.Class
		ih.InterfaceSubclass[n] = alt.Subclass
		ih.InterfaceProtocol[n] = alt.Protocol
		ih.InterfaceCount++

		for _, ep := range alt.Endpoints {
			idx := slotIndex(ep.Address)
			t := epTypeFromNative(ep.Type)
			e.endpoints[idx] = endpointSlot{
				addr: ep.Address, typ: t, interval: ep.Interval,
				iface: intf.Number, maxPacketSize: ep.MaxPacketSize, maxStreams: ep.MaxStreams,
			}
			eh.Type[idx] = epWireType(t)
			eh.Interval[idx] = ep.Interval
			eh.Interface[idx] = intf.Number
			eh.MaxPacketSize[idx] = ep.MaxPacketSize
			eh.MaxStreams[idx] = ep.MaxStreams
		}
	}
	return ih, eh
}

func (e *Engine) GetConfiguration() {
	e.mu.Lock()
	cfg := e.currentConfig
	e.mu.Unlock()
	e.parser.SendConfigurationStatus(&protocol.ConfigurationStatusHeader{
		Status: protocol.StatusSuccess, Configuration: cfg,
	})
}

func (e *Engine) SetAltSetting(h *protocol.SetAltSettingHeader) {
	// Cancel only the affected interface's transfers/streams, silently, for
	// the same reason as set_configuration: the guest learns about the new
	// endpoint layout from the ep_info the status reply below is preceded
	// by, not from individual cancellation replies.
	e.mu.Lock()
	ifaceEndpoints := make(map[uint8]bool)
	for i := range e.endpoints {
		if e.endpoints[i].typ != epInvalid && e.endpoints[i].iface == h.Interface {
			ifaceEndpoints[e.endpoints[i].addr] = true
		}
	}
	e.mu.Unlock()
	e.transfers.cancelWhere(func(ep uint8) bool { return ifaceEndpoints[ep] })
	e.stopStreamsForInterface(h.Interface)

	if err := e.driver.SetInterfaceAltSetting(h.Interface, h.AltSetting); err != nil {
		e.parser.SendAltSettingStatus(&protocol.AltSettingStatusHeader{
			Status: protocol.StatusIOError, Interface: h.Interface, AltSetting: h.AltSetting,
		})
		return
	}

	e.mu.Lock()
	wipeInterface(&e.endpoints, h.Interface)
	desc := e.driver.Descriptor()
	var eh protocol.EpInfoHeader
	var ih protocol.InterfaceInfoHeader
	var haveEh bool
	for _, cfg := range desc.Configurations {
		if cfg.Value != e.currentConfig {
			continue
		}
		for _, intf := range cfg.Interfaces {
			if intf.Number != h.Interface {
				continue
			}
			for _, alt := range intf.AltSettings {
				if alt.Number != h.AltSetting {
					continue
				}
				ih.Interface[0] = h.Interface
				ih.InterfaceClass[0] = alt.Class
				ih.InterfaceSubclass[0] = alt.Subclass
				ih.InterfaceProtocol[0] = alt.Protocol
				ih.InterfaceCount = 1
				for _, ep := range alt.Endpoints {
					idx := slotIndex(ep.Address)
					t := epTypeFromNative(ep.Type)
					e.endpoints[idx] = endpointSlot{
						addr: ep.Address, typ: t, interval: ep.Interval,
						iface: h.Interface, maxPacketSize: ep.MaxPacketSize, maxStreams: ep.MaxStreams,
					}
					eh.Type[idx] = epWireType(t)
					eh.Interval[idx] = ep.Interval
					eh.Interface[idx] = h.Interface
					eh.MaxPacketSize[idx] = ep.MaxPacketSize
					eh.MaxStreams[idx] = ep.MaxStreams
					haveEh = true
				}
			}
		}
	}
	e.mu.Unlock()

	// ep_info then interface_info strictly precede the status reply, same
	// order set_configuration uses.
	if haveEh {
		e.parser.SendEpInfo(&eh)
		e.parser.SendInterfaceInfo(&ih)
	}
	e.parser.SendAltSettingStatus(&protocol.AltSettingStatusHeader{
		Status: protocol.StatusSuccess, Interface: h.Interface, AltSetting: h.AltSetting,
	})
}

func (e *Engine) GetAltSetting(h *protocol.GetAltSettingHeader) {
	// The native driver surface has no alt-setting getter, and the engine
	// does not record the alt settings it sets: this always reports 0.
	e.parser.SendAltSettingStatus(&protocol.AltSettingStatusHeader{
		Status: protocol.StatusSuccess, Interface: h.Interface, AltSetting: 0,
	})
}

// --- reset ---

// Reset handles a wire-initiated reset request.
func (e *Engine) Reset() {
	e.doReset()
}

// AdminTriggerReset lets the admin API request a reset out-of-band (an
// operator action, not a guest command). It shares doReset's singleflight
// group with the wire path, so an admin-triggered reset racing a
// guest-triggered one collapses into a single native ResetDevice call
// instead of two.
func (e *Engine) AdminTriggerReset() {
	e.doReset()
}

// doReset is shared by the wire Reset handler and the admin API's manual
// trigger; singleflight collapses concurrent callers onto one native
// ResetDevice invocation, since a device session only has one real device
// to reset no matter how many callers asked at once.
func (e *Engine) doReset() {
	e.resetGroup.Do("reset", func() (any, error) {
		// Cancel+drain with guest notification: unlike
		// set_configuration/set_alt_setting's silent sweep, a reset lets
		// each pending transfer's own completion path report "cancelled".
		e.transfers.cancelAllNotifying()
		e.stopAllStreams()

		if e.quirks.suppressReset(e.vendorID, e.productID) {
			e.logf(protocol.LogInfo, "reset suppressed by quirk table")
			e.mu.Lock()
			e.resetLatch = true
			e.mu.Unlock()
			return nil, nil
		}
		err := e.driver.ResetDevice()
		if err != nil {
			e.logf(protocol.LogWarn, fmt.Sprintf("reset failed: %v", err))
		}
		e.mu.Lock()
		resetTable(&e.endpoints)
		e.currentConfig = 0
		if err == nil {
			e.resetLatch = true
		}
		e.mu.Unlock()
		return nil, nil
	})
}
