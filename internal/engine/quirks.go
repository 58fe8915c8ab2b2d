package engine

import "usbtunnel/internal/usbnative"

// knownQuirks carries the small set of vendor/product pairs known to
// misbehave under a USB bus reset at attach time. Entries here are
// defaults; a deployment's config can add more without a code change
// (see Engine.AddQuirk).
var knownQuirks = []usbnative.Quirk{
	{VendorID: 0x046d, ProductID: 0xc52b, SuppressReset: true}, // Logitech Unifying receiver: reset drops pairing
	{VendorID: 0x0483, ProductID: 0x5740, SuppressReset: true}, // ST VCP: reset hangs the CDC-ACM interface
}

// quirkTable looks up SuppressReset by (vendor, product), checking
// operator-added overrides before the built-in defaults.
type quirkTable struct {
	entries map[uint32]usbnative.Quirk
}

func newQuirkTable() *quirkTable {
	t := &quirkTable{entries: make(map[uint32]usbnative.Quirk)}
	for _, q := range knownQuirks {
		t.add(q)
	}
	return t
}

func quirkKey(vendorID, productID uint16) uint32 {
	return uint32(vendorID)<<16 | uint32(productID)
}

func (t *quirkTable) add(q usbnative.Quirk) {
	t.entries[quirkKey(q.VendorID, q.ProductID)] = q
}

func (t *quirkTable) suppressReset(vendorID, productID uint16) bool {
	q, ok := t.entries[quirkKey(vendorID, productID)]
	return ok && q.SuppressReset
}
