package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usbtunnel/internal/protocol"
	"usbtunnel/internal/usbnative"
)

// recordingHandlers is the guest-side Handlers used to observe what the
// engine sends back over the wire.
type recordingHandlers struct {
	protocol.NopHandlers
	mu              sync.Mutex
	isoPackets      []*protocol.IsoPacketHeader
	bulkPackets     []*protocol.BulkPacketHeader
	controlPackets  []*protocol.ControlPacketHeader
	isoStatus       []*protocol.IsoStreamStatusHeader
	interruptStatus []*protocol.InterruptReceivingStatusHeader
	bulkStatus      []*protocol.BulkReceivingStatusHeader
	connects        []*protocol.DeviceConnectHeader
	disconnects     int
	rejects         int
}

func (r *recordingHandlers) IsoPacket(id uint64, h *protocol.IsoPacketHeader, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isoPackets = append(r.isoPackets, h)
}

func (r *recordingHandlers) BulkPacket(id uint64, h *protocol.BulkPacketHeader, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulkPackets = append(r.bulkPackets, h)
}

func (r *recordingHandlers) IsoStreamStatus(h *protocol.IsoStreamStatusHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isoStatus = append(r.isoStatus, h)
}

func (r *recordingHandlers) InterruptReceivingStatus(h *protocol.InterruptReceivingStatusHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interruptStatus = append(r.interruptStatus, h)
}

func (r *recordingHandlers) BulkReceivingStatus(h *protocol.BulkReceivingStatusHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulkStatus = append(r.bulkStatus, h)
}

func (r *recordingHandlers) ControlPacket(id uint64, h *protocol.ControlPacketHeader, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controlPackets = append(r.controlPackets, h)
}

func (r *recordingHandlers) DeviceDisconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects++
}

func (r *recordingHandlers) DeviceConnect(h *protocol.DeviceConnectHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, h)
}

func (r *recordingHandlers) FilterReject() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejects++
}

// pump drains every pending write on from into to's reader.
func pump(t *testing.T, from, to *protocol.Parser) {
	t.Helper()
	for from.HasDataToWrite() {
		_, err := from.DoWrite(func(p []byte) (int, error) {
			require.NoError(t, to.Feed(p))
			return len(p), nil
		})
		require.NoError(t, err)
	}
}

func newLinkedParsers(t *testing.T) (*protocol.Parser, *protocol.Parser, *recordingHandlers) {
	t.Helper()
	guestH := &recordingHandlers{}
	dev := protocol.New(protocol.RoleDevice, &protocol.NopHandlers{})
	guest := protocol.New(protocol.RoleGuest, guestH)

	caps := protocol.NewCapabilitySet(protocol.CapEpInfoMaxPacketSize)
	dev.Init("device-1.0", caps, protocol.Flags{})
	guest.Init("guest-1.0", caps, protocol.Flags{})

	pump(t, dev, guest)
	pump(t, guest, dev)
	return dev, guest, guestH
}

// countingDriver wraps SimDriver to count SubmitIso invocations, so tests
// can see exactly when the engine decides a ring transfer is ready.
type countingDriver struct {
	*usbnative.SimDriver
	mu        sync.Mutex
	isoSubmit int
}

func (d *countingDriver) SubmitIso(endpoint uint8, packetSize uint32, numPackets int, data []byte, completion usbnative.CompletionFunc) (usbnative.Transfer, error) {
	d.mu.Lock()
	d.isoSubmit++
	d.mu.Unlock()
	return d.SimDriver.SubmitIso(endpoint, packetSize, numPackets, data, completion)
}

func (d *countingDriver) submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isoSubmit
}

// TestOutputIsoStreamBuffersBeforeFirstSubmission is scenario S4: an
// output iso stream (8 packets/transfer, 4 transfers, so a 32-packet ring)
// submits nothing until half the ring — 16 packets — has been buffered,
// at which point every transfer that is already full gets flushed in
// order.
func TestOutputIsoStreamBuffersBeforeFirstSubmission(t *testing.T) {
	dev, _, _ := newLinkedParsers(t)
	driver := &countingDriver{SimDriver: usbnative.NewSimDriver(usbnative.DeviceDescriptor{})}
	e := New(driver, dev, 0x1234, 0x5678, nil)

	const endpoint = 0x02 // OUT
	const maxPacketSize = 64
	idx := slotIndex(endpoint)
	e.endpoints[idx] = endpointSlot{addr: endpoint, typ: epIso, maxPacketSize: maxPacketSize}

	e.StartIsoStream(&protocol.StartIsoStreamHeader{
		Endpoint: endpoint, PktsPerTransfer: 8, TransferCount: 4, MaxPacketSize: maxPacketSize,
	})
	require.NotNil(t, e.endpoints[idx].stream)

	packet := make([]byte, maxPacketSize)
	for i := 0; i < 15; i++ {
		e.IsoPacket(0, &protocol.IsoPacketHeader{Endpoint: endpoint, Length: maxPacketSize}, packet)
	}
	assert.Equal(t, 0, driver.submits(), "no transfer should submit before the threshold")

	e.IsoPacket(0, &protocol.IsoPacketHeader{Endpoint: endpoint, Length: maxPacketSize}, packet)
	assert.Equal(t, 2, driver.submits(), "the 16th packet should flush both full transfers, oldest first")

	s := e.endpoints[idx].stream
	assert.Equal(t, submittedIdx, s.transfers[0].packetIdx)
	assert.Equal(t, submittedIdx, s.transfers[1].packetIdx)
	assert.Equal(t, 0, s.transfers[2].packetIdx)
}

// TestInputIsoStreamSubmitsAllTransfersImmediately covers the input-side
// half of the same allocator: every ring transfer is armed with the
// native driver right away.
func TestInputIsoStreamSubmitsAllTransfersImmediately(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	driver := usbnative.NewSimDriver(usbnative.DeviceDescriptor{})
	driver.NextTransfers = []usbnative.SimTransferScript{
		{Status: usbnative.StatusCompleted, Packets: []usbnative.IsoPacketResult{{Length: 4, Status: usbnative.StatusCompleted}}},
	}
	e := New(driver, dev, 0x1234, 0x5678, nil)

	const endpoint = 0x81 // IN
	idx := slotIndex(endpoint)
	e.endpoints[idx] = endpointSlot{addr: endpoint, typ: epIso, maxPacketSize: 64}

	e.StartIsoStream(&protocol.StartIsoStreamHeader{
		Endpoint: endpoint, PktsPerTransfer: 2, TransferCount: 2, MaxPacketSize: 64,
	})

	pump(t, dev, guest)
	guestH.mu.Lock()
	defer guestH.mu.Unlock()
	assert.NotEmpty(t, guestH.isoPackets)
	require.Len(t, guestH.isoStatus, 1)
	assert.Equal(t, protocol.StatusSuccess, guestH.isoStatus[0].Status)
}

// fakeTransfer is a native Transfer stub whose Cancel is observable but
// does not itself invoke any completion — completion delivery in these
// tests is driven directly by the test, mirroring how a real cancel races
// against an already-in-flight completion callback.
type fakeTransfer struct{ cancelled bool }

func (f *fakeTransfer) Cancel() error { f.cancelled = true; return nil }

// TestCancelRaceYieldsExactlyOneReply is scenario S5: a cancel_data_packet
// racing a transfer's natural completion must still produce exactly one
// wire reply, whichever observation wins.
func TestCancelRaceYieldsExactlyOneReply(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	driver := usbnative.NewSimDriver(usbnative.DeviceDescriptor{})
	e := New(driver, dev, 0x1234, 0x5678, nil)

	const id = uint64(42)
	const endpoint = 0x02
	nt := &fakeTransfer{}
	pt := e.transfers.add(id, kindBulk, endpoint)
	e.transfers.setNative(pt, nt)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.CancelDataPacket(id) // replies "cancelled" itself if it wins; a no-op if the completion already won
	}()
	go func() {
		defer wg.Done()
		e.completeWrite(id, kindBulk, endpoint, usbnative.StatusCompleted)
	}()
	wg.Wait()

	// A second, late completion callback (as if cancellation's own status
	// arrived after the natural one already won the race) must be a no-op.
	e.completeWrite(id, kindBulk, endpoint, usbnative.StatusCancelled)

	pump(t, dev, guest)
	guestH.mu.Lock()
	defer guestH.mu.Unlock()
	require.Len(t, guestH.bulkPackets, 1, "exactly one reply must reach the guest")
	assert.Equal(t, guestH.bulkPackets[0].Status == protocol.StatusCancelled, nt.cancelled, "native Cancel is issued exactly when the cancel wins the race")
}

// haltCountingDriver wraps SimDriver to count ClearHalt and SubmitControl
// invocations, so tests can tell a CLEAR_FEATURE request was serviced
// natively rather than forwarded as a literal control transfer.
type haltCountingDriver struct {
	*usbnative.SimDriver
	mu                 sync.Mutex
	clearHaltCalls     int
	submitControlCalls int
}

func (d *haltCountingDriver) ClearHalt(endpoint uint8) error {
	d.mu.Lock()
	d.clearHaltCalls++
	d.mu.Unlock()
	return d.SimDriver.ClearHalt(endpoint)
}

func (d *haltCountingDriver) SubmitControl(req usbnative.ControlRequest, data []byte, in bool, completion usbnative.CompletionFunc) (usbnative.Transfer, error) {
	d.mu.Lock()
	d.submitControlCalls++
	d.mu.Unlock()
	return d.SimDriver.SubmitControl(req, data, in, completion)
}

func (d *haltCountingDriver) counts() (clearHalt, submitControl int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearHaltCalls, d.submitControlCalls
}

// TestControlPacketClearFeatureEndpointHaltIsInterceptedNatively covers the
// special control passthrough: a standard CLEAR_FEATURE(ENDPOINT_HALT)
// targeting an endpoint recipient with no data stage must be serviced via
// ClearHalt, never forwarded as a literal control transfer.
func TestControlPacketClearFeatureEndpointHaltIsInterceptedNatively(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	driver := &haltCountingDriver{SimDriver: usbnative.NewSimDriver(usbnative.DeviceDescriptor{})}
	e := New(driver, dev, 0x1234, 0x5678, nil)

	const endpoint = 0x81
	e.ControlPacket(7, &protocol.ControlPacketHeader{
		Endpoint: endpoint, RequestType: usbRecipientEndpoint, Request: usbClearFeature, Value: usbFeatureEndpoint, Length: 0,
	}, nil)

	pump(t, dev, guest)
	guestH.mu.Lock()
	clearHalt, submitControl := driver.counts()
	require.Len(t, guestH.controlPackets, 1)
	assert.Equal(t, protocol.StatusSuccess, guestH.controlPackets[0].Status)
	guestH.mu.Unlock()
	assert.Equal(t, 1, clearHalt)
	assert.Equal(t, 0, submitControl, "clear-halt must not be forwarded as a control transfer")
}

// TestControlPacketClearFeatureReportsIOErrorOnClearHaltFailure covers the
// failure branch of the same passthrough.
func TestControlPacketClearFeatureReportsIOErrorOnClearHaltFailure(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	sim := usbnative.NewSimDriver(usbnative.DeviceDescriptor{})
	const endpoint = 0x81
	sim.ClearHaltErr[endpoint] = assert.AnError
	driver := &haltCountingDriver{SimDriver: sim}
	e := New(driver, dev, 0x1234, 0x5678, nil)

	e.ControlPacket(7, &protocol.ControlPacketHeader{
		Endpoint: endpoint, RequestType: usbRecipientEndpoint, Request: usbClearFeature, Value: usbFeatureEndpoint, Length: 0,
	}, nil)

	pump(t, dev, guest)
	guestH.mu.Lock()
	defer guestH.mu.Unlock()
	require.Len(t, guestH.controlPackets, 1)
	assert.Equal(t, protocol.StatusIOError, guestH.controlPackets[0].Status)
}

// TestControlPacketOrdinaryRequestIsStillForwarded guards against an
// over-broad isClearHalt match: any request that isn't exactly
// CLEAR_FEATURE(ENDPOINT_HALT) with no data stage goes through the normal
// native submission path.
func TestControlPacketOrdinaryRequestIsStillForwarded(t *testing.T) {
	dev, _, _ := newLinkedParsers(t)
	driver := &haltCountingDriver{SimDriver: usbnative.NewSimDriver(usbnative.DeviceDescriptor{})}
	e := New(driver, dev, 0x1234, 0x5678, nil)

	const endpoint = 0x81
	e.ControlPacket(9, &protocol.ControlPacketHeader{
		Endpoint: endpoint, RequestType: usbRecipientEndpoint, Request: usbClearFeature, Value: usbFeatureEndpoint, Length: 1,
	}, []byte{0})

	clearHalt, submitControl := driver.counts()
	assert.Equal(t, 0, clearHalt)
	assert.Equal(t, 1, submitControl)
}

// interruptStallDriver wraps SimDriver to count ClearHalt and
// SubmitInterrupt invocations, for asserting stall recovery's shape.
type interruptStallDriver struct {
	*usbnative.SimDriver
	mu               sync.Mutex
	clearHaltCalls   int
	submitInterrupts int
}

func (d *interruptStallDriver) ClearHalt(endpoint uint8) error {
	d.mu.Lock()
	d.clearHaltCalls++
	d.mu.Unlock()
	return d.SimDriver.ClearHalt(endpoint)
}

func (d *interruptStallDriver) SubmitInterrupt(endpoint uint8, data []byte, completion usbnative.CompletionFunc) (usbnative.Transfer, error) {
	d.mu.Lock()
	d.submitInterrupts++
	d.mu.Unlock()
	return d.SimDriver.SubmitInterrupt(endpoint, data, completion)
}

func (d *interruptStallDriver) counts() (clearHalt, submits int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearHaltCalls, d.submitInterrupts
}

// TestInterruptStreamStallRecoversAndResubmitsSilently covers stall
// recovery's success path: a STALL completion clears the halt and
// reallocates an identical stream, resubmitting without sending any status
// packet beyond the original start_interrupt_receiving success.
func TestInterruptStreamStallRecoversAndResubmitsSilently(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	driver := &interruptStallDriver{SimDriver: usbnative.NewSimDriver(usbnative.DeviceDescriptor{})}
	driver.NextTransfers = []usbnative.SimTransferScript{
		{Status: usbnative.StatusStall},
	}
	e := New(driver, dev, 0x1234, 0x5678, nil)

	const endpoint = 0x81
	idx := slotIndex(endpoint)
	e.endpoints[idx] = endpointSlot{addr: endpoint, typ: epInterrupt, maxPacketSize: 8}

	e.StartInterruptReceiving(&protocol.StartInterruptReceivingHeader{
		Endpoint: endpoint, TransferCount: 1, MaxPacketSize: 8,
	})

	clearHalt, submits := driver.counts()
	assert.Equal(t, 1, clearHalt)
	assert.Equal(t, 2, submits, "initial submission plus the post-recovery resubmission")
	require.NotNil(t, e.endpoints[idx].stream, "a fresh stream must replace the stalled one")

	pump(t, dev, guest)
	guestH.mu.Lock()
	defer guestH.mu.Unlock()
	require.Len(t, guestH.interruptStatus, 1, "no stall status is sent on successful recovery")
	assert.Equal(t, protocol.StatusSuccess, guestH.interruptStatus[0].Status)
}

// TestInterruptStreamStallSendsStallStatusOnClearHaltFailure covers stall
// recovery's failure path: when ClearHalt itself fails, the stream is torn
// down and a stall status is sent instead of being silently recovered.
func TestInterruptStreamStallSendsStallStatusOnClearHaltFailure(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	sim := usbnative.NewSimDriver(usbnative.DeviceDescriptor{})
	const endpoint = 0x81
	sim.ClearHaltErr[endpoint] = assert.AnError
	sim.NextTransfers = []usbnative.SimTransferScript{
		{Status: usbnative.StatusStall},
	}
	driver := &interruptStallDriver{SimDriver: sim}
	e := New(driver, dev, 0x1234, 0x5678, nil)

	idx := slotIndex(endpoint)
	e.endpoints[idx] = endpointSlot{addr: endpoint, typ: epInterrupt, maxPacketSize: 8}

	e.StartInterruptReceiving(&protocol.StartInterruptReceivingHeader{
		Endpoint: endpoint, TransferCount: 1, MaxPacketSize: 8,
	})

	assert.Nil(t, e.endpoints[idx].stream, "a stream that fails recovery is not reallocated")

	pump(t, dev, guest)
	guestH.mu.Lock()
	defer guestH.mu.Unlock()
	require.Len(t, guestH.interruptStatus, 2)
	assert.Equal(t, protocol.StatusStall, guestH.interruptStatus[0].Status, "the stall status precedes the original start status")
	assert.Equal(t, protocol.StatusSuccess, guestH.interruptStatus[1].Status)
}

// TestHandleNoDeviceDisconnectsExactlyOnce covers the disconnect
// single-shot rule: however many native completions report the device is
// gone, device_disconnect reaches the guest exactly once.
func TestHandleNoDeviceDisconnectsExactlyOnce(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	driver := usbnative.NewSimDriver(usbnative.DeviceDescriptor{})
	e := New(driver, dev, 0x1234, 0x5678, nil)

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		go func() {
			defer wg.Done()
			e.handleNoDevice(usbnative.StatusNoDevice)
		}()
	}
	wg.Wait()

	pump(t, dev, guest)
	guestH.mu.Lock()
	defer guestH.mu.Unlock()
	assert.Equal(t, 1, guestH.disconnects)
}

// TestCancelDataPacketSynthesizesCancelledStatus strengthens the cancel-race
// property: the synthesized reply must carry StatusCancelled specifically,
// not merely "exactly one reply".
func TestCancelDataPacketSynthesizesCancelledStatus(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	driver := usbnative.NewSimDriver(usbnative.DeviceDescriptor{})
	e := New(driver, dev, 0x1234, 0x5678, nil)

	const id = uint64(11)
	const endpoint = 0x02
	nt := &fakeTransfer{}
	pt := e.transfers.add(id, kindBulk, endpoint)
	e.transfers.setNative(pt, nt)

	e.CancelDataPacket(id)
	// A late completion, as if the native layer's own status arrived after
	// cancellation already won, must be discarded rather than replied to.
	e.completeWrite(id, kindBulk, endpoint, usbnative.StatusCompleted)

	pump(t, dev, guest)
	guestH.mu.Lock()
	defer guestH.mu.Unlock()
	require.Len(t, guestH.bulkPackets, 1)
	assert.Equal(t, protocol.StatusCancelled, guestH.bulkPackets[0].Status)
	assert.True(t, nt.cancelled)
}

// TestResetLatchSetOnSuccessAndClearedBySubmission covers the no-op reset
// latch: a successful reset sets it, and it is cleared the next time the
// engine issues any native submission.
func TestResetLatchSetOnSuccessAndClearedBySubmission(t *testing.T) {
	dev, _, _ := newLinkedParsers(t)
	driver := usbnative.NewSimDriver(usbnative.DeviceDescriptor{})
	e := New(driver, dev, 0x1234, 0x5678, nil)

	e.Reset()
	assert.True(t, e.ResetLatched())

	e.BulkPacket(1, &protocol.BulkPacketHeader{Endpoint: 0x02}, []byte{1})
	assert.False(t, e.ResetLatched(), "any outbound submission clears the latch")
}

// TestAttachRejectedByFilterSendsFilterReject exercises the filter-deny
// path: Attach must not send device_connect when the filter rejects the
// descriptor it reads back from the driver.
func TestAttachRejectedByFilterSendsFilterReject(t *testing.T) {
	dev, guest, guestH := newLinkedParsers(t)
	desc := usbnative.DeviceDescriptor{Class: 0x03, VendorID: 0x1234, ProductID: 0x5678}
	driver := usbnative.NewSimDriver(desc)
	e := New(driver, dev, desc.VendorID, desc.ProductID, nil)

	err := e.Attach(nil, nil, false) // no rules, default-deny
	require.NoError(t, err)

	pump(t, dev, guest)
	guestH.mu.Lock()
	defer guestH.mu.Unlock()
	assert.Equal(t, 1, guestH.rejects)
	assert.Empty(t, guestH.connects)
}
