package engine

import "usbtunnel/internal/usbnative"

// submittedIdx is the ring transfer sentinel meaning "in flight at the
// native layer".
const submittedIdx = -1

// ringTransfer is one slot of a stream's transfer ring.
type ringTransfer struct {
	packetIdx int // 0..pktsPerTransfer fill cursor, or submittedIdx
	buf       []byte
	pktLens   []uint32 // per-iso-packet fill length, output streams only
	native    usbnative.Transfer
}

// threshold implements the isoc back-pressure hysteresis: dropping turns
// on once buffered bytes exceed higher and only turns back off once they
// fall below lower.
type threshold struct {
	lower, higher uint32
	dropping      bool
}

func newThreshold(pktsPerTransfer, transferCount int, maxPacketSize uint32) threshold {
	ref := uint32(pktsPerTransfer) * uint32(transferCount) * maxPacketSize
	return threshold{lower: ref / 2, higher: ref * 3}
}

// canWrite reports whether an inbound iso packet of roughly size
// maxPacketSize should be forwarded to the wire given buffered bytes
// already queued for the connection.
func (t *threshold) canWrite(buffered uint32) bool {
	if buffered > t.higher {
		t.dropping = true
	} else if buffered < t.lower {
		t.dropping = false
	}
	return !t.dropping
}

// stream is a per-endpoint allocated transfer ring: the shared
// representation behind start_iso_stream, start_interrupt_receiving, and
// start_bulk_receiving.
type stream struct {
	typ              epType
	input            bool // device->guest; false only for output iso
	endpoint         uint8
	pktsPerTransfer  int
	transferCount    int
	maxPacketSize    uint32
	bytesPerTransfer uint32 // buffered-bulk only
	streamID         uint32
	sendSuccess      bool

	started   bool // false only while an output iso stream is pre-buffering
	outIdx    int
	ready     []int // transfer indices filled while !started, awaiting flush
	transfers []*ringTransfer
	thresh    threshold

	dropPackets  bool
	warnedOnDrop bool
}

// newStream allocates the ring. Input streams are marked started
// immediately, since input streams submit all transfers immediately, so
// the caller submits every transfer right after this returns. Output iso
// streams start unstarted and fill via fillPacket.
func newStream(typ epType, input bool, endpoint uint8, pktsPerTransfer, transferCount int, maxPacketSize uint32, streamID uint32, sendSuccess, bulkReceiving bool, bytesPerTransfer uint32) *stream {
	s := &stream{
		typ: typ, input: input, endpoint: endpoint,
		pktsPerTransfer: pktsPerTransfer, transferCount: transferCount,
		maxPacketSize: maxPacketSize, bytesPerTransfer: bytesPerTransfer,
		streamID: streamID, sendSuccess: sendSuccess,
		started: input,
	}
	bufSize := int(maxPacketSize) * pktsPerTransfer
	if bulkReceiving {
		bufSize = int(bytesPerTransfer)
	}
	s.transfers = make([]*ringTransfer, transferCount)
	for i := range s.transfers {
		s.transfers[i] = &ringTransfer{buf: make([]byte, bufSize)}
	}
	if typ == epIso {
		s.thresh = newThreshold(pktsPerTransfer, transferCount, maxPacketSize)
	}
	return s
}

// fillPacket appends one guest-supplied iso packet (output iso streams
// only) into the ring's current fill transfer. It returns the indices of
// any transfers now ready for native submission, in the order they became
// ready. Before the stream is started, transfers accumulate in s.ready and
// are only flushed — all at once, oldest first — once half the ring is
// buffered.
func (s *stream) fillPacket(data []byte) []int {
	t := s.transfers[s.outIdx]
	if t.packetIdx == submittedIdx {
		return nil // ring saturated; caller's transfer hasn't completed yet
	}
	if t.pktLens == nil {
		t.pktLens = make([]uint32, s.pktsPerTransfer)
	}
	i := t.packetIdx
	base := i * int(s.maxPacketSize)
	n := copy(t.buf[base:base+int(s.maxPacketSize)], data)
	t.pktLens[i] = uint32(n)
	t.packetIdx++
	if t.packetIdx < s.pktsPerTransfer {
		return nil
	}

	readyIdx := s.outIdx
	s.outIdx = (s.outIdx + 1) % s.transferCount
	if s.started {
		t.packetIdx = submittedIdx
		return []int{readyIdx}
	}

	s.ready = append(s.ready, readyIdx)
	startThreshold := (s.pktsPerTransfer * s.transferCount) / 2
	if len(s.ready)*s.pktsPerTransfer < startThreshold {
		return nil
	}
	s.started = true
	flushed := s.ready
	s.ready = nil
	for _, idx := range flushed {
		s.transfers[idx].packetIdx = submittedIdx
	}
	return flushed
}

// completeOutput marks transfer idx free to refill after its native
// submission completes.
func (s *stream) completeOutput(idx int) {
	s.transfers[idx].packetIdx = 0
}

// cancelAll returns every transfer still in flight so the caller can
// cancel it at the native layer; unsubmitted transfers need no native
// action.
func (s *stream) cancelAll() []*ringTransfer {
	var inFlight []*ringTransfer
	for _, t := range s.transfers {
		if t.packetIdx == submittedIdx {
			inFlight = append(inFlight, t)
		}
	}
	return inFlight
}
