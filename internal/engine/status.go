package engine

import "time"

// FilterDecision records one filter evaluation for the admin API's
// decision log.
type FilterDecision struct {
	At       time.Time
	VendorID uint16
	Product  uint16
	Allowed  bool
}

const maxDecisionLog = 64

// EndpointSnapshot is one populated endpoint slot's read-only state, for
// the admin status API and the operator TUI.
type EndpointSnapshot struct {
	Address       uint8
	Type          string
	Interface     uint8
	MaxPacketSize uint16
	HasStream     bool
	DropCount     uint64
}

// Snapshot is a point-in-time read of one Engine's connection state.
type Snapshot struct {
	SessionID     string
	VendorID      uint16
	ProductID     uint16
	Attached      bool
	Configuration uint8
	Endpoints     []EndpointSnapshot
}

func (t epType) String() string {
	switch t {
	case epControl:
		return "control"
	case epBulk:
		return "bulk"
	case epInterrupt:
		return "interrupt"
	case epIso:
		return "isochronous"
	default:
		return "invalid"
	}
}

// Snapshot reads the engine's current state. Safe for concurrent use
// alongside packet handling.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		SessionID:     e.sessionID.String(),
		VendorID:      e.vendorID,
		ProductID:     e.productID,
		Attached:      e.attached,
		Configuration: e.currentConfig,
	}
	for i, slot := range e.endpoints {
		if slot.typ == epInvalid {
			continue
		}
		if i == 0 && slot.maxPacketSize == 0 {
			continue // the always-present control slot, not yet described by set_configuration
		}
		s.Endpoints = append(s.Endpoints, EndpointSnapshot{
			Address: slot.addr, Type: slot.typ.String(), Interface: slot.iface,
			MaxPacketSize: slot.maxPacketSize, HasStream: slot.stream != nil, DropCount: slot.dropCount,
		})
	}
	return s
}

// FilterDecisions returns a copy of the most recent filter evaluations,
// oldest first.
func (e *Engine) FilterDecisions() []FilterDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FilterDecision, len(e.decisionLog))
	copy(out, e.decisionLog)
	return out
}

// recordDecision appends to the capped decision log. Caller holds e.mu.
func (e *Engine) recordDecision(allowed bool) {
	e.decisionLog = append(e.decisionLog, FilterDecision{
		At: time.Now(), VendorID: e.vendorID, Product: e.productID, Allowed: allowed,
	})
	if len(e.decisionLog) > maxDecisionLog {
		e.decisionLog = e.decisionLog[len(e.decisionLog)-maxDecisionLog:]
	}
}
