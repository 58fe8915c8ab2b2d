package engine

import (
	"usbtunnel/internal/protocol"
	"usbtunnel/internal/usbnative"
)

// validateAlloc checks the common stream-allocation preconditions shared
// by start_iso_stream, start_interrupt_receiving, and start_bulk_receiving:
// the endpoint must exist and match the requested transfer type, ring
// dimensions must fit the wire limits, and no stream may already be
// allocated on that endpoint.
func validateAlloc(slot *endpointSlot, wantType epType, pktsPerTransfer, transferCount int, maxPacketSize uint32) protocol.Status {
	if slot.typ == epInvalid || slot.typ != wantType {
		return protocol.StatusInval
	}
	if slot.stream != nil {
		return protocol.StatusInval
	}
	if pktsPerTransfer < 1 || pktsPerTransfer > protocol.MaxPacketsPerTransfer {
		return protocol.StatusInval
	}
	if transferCount < 1 || transferCount > protocol.MaxTransferCount {
		return protocol.StatusInval
	}
	if maxPacketSize == 0 {
		return protocol.StatusInval
	}
	return protocol.StatusSuccess
}

// --- isochronous streams ---

func (e *Engine) StartIsoStream(h *protocol.StartIsoStreamHeader) {
	e.mu.Lock()
	idx := slotIndex(h.Endpoint)
	slot := &e.endpoints[idx]
	st := validateAlloc(slot, epIso, int(h.PktsPerTransfer), int(h.TransferCount), h.MaxPacketSize)
	if st != protocol.StatusSuccess {
		e.mu.Unlock()
		e.parser.SendIsoStreamStatus(&protocol.IsoStreamStatusHeader{Status: st, Endpoint: h.Endpoint})
		return
	}
	input := protocol.EndpointDirIn&h.Endpoint != 0
	s := newStream(epIso, input, h.Endpoint, int(h.PktsPerTransfer), int(h.TransferCount), h.MaxPacketSize, 0, false, false, 0)
	slot.stream = s
	e.mu.Unlock()

	if input {
		for i := range s.transfers {
			e.submitIsoInput(h.Endpoint, s, i)
		}
	}
	e.parser.SendIsoStreamStatus(&protocol.IsoStreamStatusHeader{Status: protocol.StatusSuccess, Endpoint: h.Endpoint})
}

func (e *Engine) submitIsoInput(endpoint uint8, s *stream, idx int) {
	e.noteSubmission()
	t := s.transfers[idx]
	t.packetIdx = submittedIdx
	nt, err := e.driver.SubmitIso(endpoint, s.maxPacketSize, s.pktsPerTransfer, t.buf, func(status usbnative.TransferStatus, _ int, packets []usbnative.IsoPacketResult) {
		e.completeIsoInput(endpoint, s, idx, status, packets)
	})
	if err != nil {
		t.packetIdx = 0
		return
	}
	t.native = nt
}

func (e *Engine) completeIsoInput(endpoint uint8, s *stream, idx int, status usbnative.TransferStatus, packets []usbnative.IsoPacketResult) {
	e.handleNoDevice(status)
	if status == usbnative.StatusStall {
		e.recoverStall(endpoint, func() {
			e.parser.SendIsoStreamStatus(&protocol.IsoStreamStatusHeader{Status: protocol.StatusStall, Endpoint: endpoint})
		})
		return
	}
	t := s.transfers[idx]
	if status == usbnative.StatusCancelled || status == usbnative.StatusNoDevice {
		return // stream torn down; do not resubmit
	}
	off := 0
	buffered := uint32(e.parser.BufferedOutputSize())
	for _, p := range packets {
		if s.thresh.canWrite(buffered) {
			e.parser.SendIsoPacket(0, &protocol.IsoPacketHeader{
				Endpoint: endpoint, Status: translateStatus(p.Status), Length: uint16(p.Length),
			}, t.buf[off:off+p.Length])
		} else {
			e.mu.Lock()
			slot := &e.endpoints[slotIndex(endpoint)]
			slot.dropCount++
			if !slot.warnedOnDrop {
				slot.warnedOnDrop = true
				e.logf(protocol.LogWarn, "dropping iso packets: guest write buffer saturated")
			}
			e.mu.Unlock()
		}
		off += int(s.maxPacketSize)
		buffered = uint32(e.parser.BufferedOutputSize())
	}
	e.submitIsoInput(endpoint, s, idx)
}

// IsoPacket handles guest-originated iso data for an output stream,
// buffering each wire packet into the ring and submitting whichever
// transfers become ready (see stream.fillPacket and scenario S4).
func (e *Engine) IsoPacket(id uint64, h *protocol.IsoPacketHeader, data []byte) {
	e.mu.Lock()
	idx := slotIndex(h.Endpoint)
	s := e.endpoints[idx].stream
	var ready []int
	if s != nil {
		ready = s.fillPacket(data)
	}
	e.mu.Unlock()
	for _, ri := range ready {
		e.submitIsoOutput(h.Endpoint, s, ri)
	}
}

func (e *Engine) submitIsoOutput(endpoint uint8, s *stream, idx int) {
	e.noteSubmission()
	t := s.transfers[idx]
	nt, err := e.driver.SubmitIso(endpoint, s.maxPacketSize, s.pktsPerTransfer, t.buf, func(status usbnative.TransferStatus, _ int, _ []usbnative.IsoPacketResult) {
		e.handleNoDevice(status)
		if status == usbnative.StatusStall {
			e.recoverStall(endpoint, func() {
				e.parser.SendIsoStreamStatus(&protocol.IsoStreamStatusHeader{Status: protocol.StatusStall, Endpoint: endpoint})
			})
			return
		}
		e.mu.Lock()
		s.completeOutput(idx)
		e.mu.Unlock()
	})
	if err != nil {
		e.mu.Lock()
		s.completeOutput(idx)
		e.mu.Unlock()
		return
	}
	t.native = nt
}

func (e *Engine) StopIsoStream(h *protocol.StopIsoStreamHeader) {
	e.stopStream(h.Endpoint)
	e.parser.SendIsoStreamStatus(&protocol.IsoStreamStatusHeader{Status: protocol.StatusSuccess, Endpoint: h.Endpoint})
}

// --- interrupt receiving ---

func (e *Engine) StartInterruptReceiving(h *protocol.StartInterruptReceivingHeader) {
	e.mu.Lock()
	idx := slotIndex(h.Endpoint)
	slot := &e.endpoints[idx]
	st := validateAlloc(slot, epInterrupt, 1, int(h.TransferCount), h.MaxPacketSize)
	if st != protocol.StatusSuccess {
		e.mu.Unlock()
		e.parser.SendInterruptReceivingStatus(&protocol.InterruptReceivingStatusHeader{Status: st, Endpoint: h.Endpoint})
		return
	}
	s := newStream(epInterrupt, true, h.Endpoint, 1, int(h.TransferCount), h.MaxPacketSize, 0, false, false, 0)
	slot.stream = s
	e.mu.Unlock()

	for i := range s.transfers {
		e.submitInterrupt(h.Endpoint, s, i)
	}
	e.parser.SendInterruptReceivingStatus(&protocol.InterruptReceivingStatusHeader{Status: protocol.StatusSuccess, Endpoint: h.Endpoint})
}

func (e *Engine) submitInterrupt(endpoint uint8, s *stream, idx int) {
	e.noteSubmission()
	t := s.transfers[idx]
	t.packetIdx = submittedIdx
	nt, err := e.driver.SubmitInterrupt(endpoint, t.buf, func(status usbnative.TransferStatus, n int, _ []usbnative.IsoPacketResult) {
		e.handleNoDevice(status)
		if status == usbnative.StatusStall {
			e.recoverStall(endpoint, func() {
				e.parser.SendInterruptReceivingStatus(&protocol.InterruptReceivingStatusHeader{Status: protocol.StatusStall, Endpoint: endpoint})
			})
			return
		}
		if status == usbnative.StatusCancelled || status == usbnative.StatusNoDevice {
			return
		}
		e.parser.SendInterruptPacket(0, &protocol.InterruptPacketHeader{
			Endpoint: endpoint, Status: translateStatus(status), Length: uint16(n),
		}, t.buf[:n])
		e.submitInterrupt(endpoint, s, idx)
	})
	if err != nil {
		t.packetIdx = 0
		return
	}
	t.native = nt
}

func (e *Engine) StopInterruptReceiving(h *protocol.StopInterruptReceivingHeader) {
	e.stopStream(h.Endpoint)
	e.parser.SendInterruptReceivingStatus(&protocol.InterruptReceivingStatusHeader{Status: protocol.StatusSuccess, Endpoint: h.Endpoint})
}

// --- buffered bulk receiving ---

func (e *Engine) StartBulkReceiving(h *protocol.StartBulkReceivingHeader) {
	e.mu.Lock()
	idx := slotIndex(h.Endpoint)
	slot := &e.endpoints[idx]
	st := validateAlloc(slot, epBulk, 1, 1, h.BytesPerTransfer)
	if st != protocol.StatusSuccess {
		e.mu.Unlock()
		e.parser.SendBulkReceivingStatus(&protocol.BulkReceivingStatusHeader{Status: st, Endpoint: h.Endpoint, BytesPerTransfer: h.BytesPerTransfer})
		return
	}
	s := newStream(epBulk, true, h.Endpoint, 1, 1, h.BytesPerTransfer, h.StreamID, false, true, h.BytesPerTransfer)
	slot.stream = s
	e.mu.Unlock()

	e.submitBufferedBulk(h.Endpoint, s, 0)
	e.parser.SendBulkReceivingStatus(&protocol.BulkReceivingStatusHeader{Status: protocol.StatusSuccess, Endpoint: h.Endpoint, BytesPerTransfer: h.BytesPerTransfer})
}

func (e *Engine) submitBufferedBulk(endpoint uint8, s *stream, idx int) {
	e.noteSubmission()
	t := s.transfers[idx]
	t.packetIdx = submittedIdx
	nt, err := e.driver.SubmitBulk(endpoint, t.buf, func(status usbnative.TransferStatus, n int, _ []usbnative.IsoPacketResult) {
		e.handleNoDevice(status)
		if status == usbnative.StatusStall {
			e.recoverStall(endpoint, func() {
				e.parser.SendBulkReceivingStatus(&protocol.BulkReceivingStatusHeader{Status: protocol.StatusStall, Endpoint: endpoint})
			})
			return
		}
		if status == usbnative.StatusCancelled || status == usbnative.StatusNoDevice {
			return
		}
		e.parser.SendBufferedBulkPacket(0, &protocol.BufferedBulkPacketHeader{
			Endpoint: endpoint, Status: translateStatus(status), Length: uint32(n), StreamID: s.streamID,
		}, t.buf[:n])
		e.submitBufferedBulk(endpoint, s, idx)
	})
	if err != nil {
		t.packetIdx = 0
		return
	}
	t.native = nt
}

func (e *Engine) StopBulkReceiving(h *protocol.StopBulkReceivingHeader) {
	e.stopStream(h.Endpoint)
	e.parser.SendBulkReceivingStatus(&protocol.BulkReceivingStatusHeader{Status: protocol.StatusSuccess, Endpoint: h.Endpoint})
}

// recoverStall handles a STALL completion on a buffered/iso/interrupt
// stream: the ring's current parameters are read off before it is torn
// down, the endpoint's halt is cleared at the native layer, and on success
// a fresh stream with those same parameters replaces it and resumes — no
// status is sent on that path, since nothing about the stream's contract
// with the guest changed. If clearing the halt fails, sendStall reports it.
func (e *Engine) recoverStall(endpoint uint8, sendStall func()) {
	e.mu.Lock()
	idx := slotIndex(endpoint)
	s := e.endpoints[idx].stream
	e.endpoints[idx].stream = nil
	e.mu.Unlock()
	if s == nil {
		return
	}
	for _, t := range s.cancelAll() {
		if t.native != nil {
			t.native.Cancel()
		}
	}

	if err := e.driver.ClearHalt(endpoint); err != nil {
		sendStall()
		return
	}

	ns := newStream(s.typ, s.input, s.endpoint, s.pktsPerTransfer, s.transferCount, s.maxPacketSize, s.streamID, s.sendSuccess, s.typ == epBulk, s.bytesPerTransfer)
	e.mu.Lock()
	e.endpoints[idx].stream = ns
	e.mu.Unlock()

	switch {
	case s.typ == epIso && s.input:
		for i := range ns.transfers {
			e.submitIsoInput(endpoint, ns, i)
		}
	case s.typ == epIso:
		// output iso: ns starts unstarted and only resubmits once fresh
		// guest iso_packet traffic refills half the ring again.
	case s.typ == epInterrupt:
		for i := range ns.transfers {
			e.submitInterrupt(endpoint, ns, i)
		}
	case s.typ == epBulk:
		e.submitBufferedBulk(endpoint, ns, 0)
	}
}

// stopStream cancels every in-flight transfer on the endpoint's stream
// and frees the slot. Completion callbacks observe StatusCancelled and
// return without resubmitting, so the ring simply drains.
func (e *Engine) stopStream(endpoint uint8) {
	e.mu.Lock()
	idx := slotIndex(endpoint)
	s := e.endpoints[idx].stream
	e.endpoints[idx].stream = nil
	e.mu.Unlock()
	if s == nil {
		return
	}
	for _, t := range s.cancelAll() {
		if t.native != nil {
			t.native.Cancel()
		}
	}
}

// stopAllStreams cancels every endpoint's stream, used by set_configuration
// and reset, which replace the whole endpoint table.
func (e *Engine) stopAllStreams() {
	e.mu.Lock()
	var drain []*stream
	for i := range e.endpoints {
		if s := e.endpoints[i].stream; s != nil {
			drain = append(drain, s)
			e.endpoints[i].stream = nil
		}
	}
	e.mu.Unlock()
	for _, s := range drain {
		for _, t := range s.cancelAll() {
			if t.native != nil {
				t.native.Cancel()
			}
		}
	}
}

// stopStreamsForInterface cancels streams only on endpoints owned by iface,
// used by set_alt_setting, which replaces just that interface's endpoints.
func (e *Engine) stopStreamsForInterface(iface uint8) {
	e.mu.Lock()
	var drain []*stream
	for i := range e.endpoints {
		if e.endpoints[i].iface == iface && e.endpoints[i].stream != nil {
			drain = append(drain, e.endpoints[i].stream)
			e.endpoints[i].stream = nil
		}
	}
	e.mu.Unlock()
	for _, s := range drain {
		for _, t := range s.cancelAll() {
			if t.native != nil {
				t.native.Cancel()
			}
		}
	}
}

// --- bulk streams (USB3 stream IDs, not to be confused with our ring type) ---

func (e *Engine) AllocBulkStreams(h *protocol.AllocBulkStreamsHeader) {
	var failed bool
	for i := uint32(0); i < h.NumEndpoints; i++ {
		if err := e.driver.AllocStreams(h.Endpoints[i], h.NumStreams); err != nil {
			failed = true
		}
	}
	st := protocol.StatusSuccess
	if failed {
		st = protocol.StatusIOError
	}
	e.parser.SendBulkStreamsStatus(&protocol.BulkStreamsStatusHeader{
		Status: st, NumEndpoints: h.NumEndpoints, Endpoints: h.Endpoints,
	})
}

func (e *Engine) FreeBulkStreams(h *protocol.FreeBulkStreamsHeader) {
	for i := uint32(0); i < h.NumEndpoints; i++ {
		e.driver.FreeStreams(h.Endpoints[i])
	}
	e.parser.SendBulkStreamsStatus(&protocol.BulkStreamsStatusHeader{
		Status: protocol.StatusSuccess, NumEndpoints: h.NumEndpoints, Endpoints: h.Endpoints,
	})
}
