package usbnative

import (
	"context"
	"fmt"
	"sync"
)

// SimDriver is an in-memory fake Driver used by engine tests, matching the
// teacher's style of injecting a fake device rather than talking to real
// hardware in _test.go files. Completions are delivered synchronously (on
// the calling goroutine) unless Async is set, which more closely mimics
// the real driver's separate event-handling thread.
type SimDriver struct {
	Desc DeviceDescriptor

	Async bool // deliver completions on a separate goroutine

	mu            sync.Mutex
	activeConfig  uint8
	claimed       map[uint8]bool
	haltedEps     map[uint8]bool
	resetCount    int
	ResetErr      error
	ClearHaltErr  map[uint8]error
	NextTransfers []SimTransferScript // consumed in order by SubmitBulk/SubmitInterrupt/SubmitIso/SubmitControl
}

// SimTransferScript pre-programs the outcome of the next Submit* call.
type SimTransferScript struct {
	Status  TransferStatus
	Length  int
	Packets []IsoPacketResult
}

// NewSimDriver builds a SimDriver with desc as its fixed descriptor tree.
func NewSimDriver(desc DeviceDescriptor) *SimDriver {
	return &SimDriver{
		Desc:         desc,
		claimed:      make(map[uint8]bool),
		haltedEps:    make(map[uint8]bool),
		ClearHaltErr: make(map[uint8]error),
	}
}

func (d *SimDriver) Open(ctx context.Context, vendorID, productID uint16) error { return nil }
func (d *SimDriver) Close() error                                               { return nil }
func (d *SimDriver) Descriptor() DeviceDescriptor                               { return d.Desc }
func (d *SimDriver) ActiveConfiguration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeConfig
}

func (d *SimDriver) SetConfiguration(cfg uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.Desc.Configurations {
		if c.Value == cfg {
			d.activeConfig = cfg
			d.claimed = make(map[uint8]bool)
			return nil
		}
	}
	return fmt.Errorf("usbnative/sim: no such configuration %d", cfg)
}

func (d *SimDriver) ClaimInterface(intf uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claimed[intf] = true
	return nil
}

func (d *SimDriver) ReleaseInterface(intf uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, intf)
	return nil
}

func (d *SimDriver) SetInterfaceAltSetting(intf, alt uint8) error { return nil }

func (d *SimDriver) ResetDevice() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCount++
	return d.ResetErr
}

// ResetCount reports how many times ResetDevice was called, for assertions.
func (d *SimDriver) ResetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetCount
}

func (d *SimDriver) ClearHalt(endpoint uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.haltedEps, endpoint)
	return d.ClearHaltErr[endpoint]
}

func (d *SimDriver) AllocStreams(endpoint uint8, numStreams uint32) error { return nil }
func (d *SimDriver) FreeStreams(endpoint uint8) error                     { return nil }

type simTransfer struct {
	cancelled chan struct{}
	once      sync.Once
}

func (t *simTransfer) Cancel() error {
	t.once.Do(func() { close(t.cancelled) })
	return nil
}

// nextScript pops the next scripted outcome. Once the script list runs dry,
// it reports ok=false rather than inventing an endless string of successes:
// a stream endpoint resubmits on every completion, so an unscripted
// "auto-success forever" default would recurse/loop without bound once a
// test starts a stream and never calls Stop. ok=false means "no further
// completion is delivered" — the transfer simply stays pending, which is
// harmless for a test that has already observed what it scripted.
func (d *SimDriver) nextScript() (SimTransferScript, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.NextTransfers) == 0 {
		return SimTransferScript{}, false
	}
	s := d.NextTransfers[0]
	d.NextTransfers = d.NextTransfers[1:]
	return s, true
}

func (d *SimDriver) deliver(completion CompletionFunc, t *simTransfer, s SimTransferScript, ok bool) {
	if !ok {
		return
	}
	run := func() {
		select {
		case <-t.cancelled:
			completion(StatusCancelled, 0, nil)
		default:
			completion(s.Status, s.Length, s.Packets)
		}
	}
	if d.Async {
		go run()
	} else {
		run()
	}
}

func (d *SimDriver) SubmitControl(req ControlRequest, data []byte, in bool, completion CompletionFunc) (Transfer, error) {
	t := &simTransfer{cancelled: make(chan struct{})}
	s, ok := d.nextScript()
	d.deliver(completion, t, s, ok)
	return t, nil
}

func (d *SimDriver) SubmitBulk(endpoint uint8, data []byte, completion CompletionFunc) (Transfer, error) {
	t := &simTransfer{cancelled: make(chan struct{})}
	s, ok := d.nextScript()
	d.deliver(completion, t, s, ok)
	return t, nil
}

func (d *SimDriver) SubmitInterrupt(endpoint uint8, data []byte, completion CompletionFunc) (Transfer, error) {
	t := &simTransfer{cancelled: make(chan struct{})}
	s, ok := d.nextScript()
	d.deliver(completion, t, s, ok)
	return t, nil
}

func (d *SimDriver) SubmitIso(endpoint uint8, packetSize uint32, numPackets int, data []byte, completion CompletionFunc) (Transfer, error) {
	t := &simTransfer{cancelled: make(chan struct{})}
	s, ok := d.nextScript()
	if ok && s.Packets == nil {
		s.Packets = make([]IsoPacketResult, numPackets)
		for i := range s.Packets {
			s.Packets[i] = IsoPacketResult{Length: int(packetSize), Status: StatusCompleted}
		}
	}
	d.deliver(completion, t, s, ok)
	return t, nil
}

func (d *SimDriver) SubmitBulkStream(endpoint uint8, streamID uint32, data []byte, completion CompletionFunc) (Transfer, error) {
	t := &simTransfer{cancelled: make(chan struct{})}
	s, ok := d.nextScript()
	d.deliver(completion, t, s, ok)
	return t, nil
}

func (d *SimDriver) HandleEvents(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
