package engine

import (
	"sync"

	"usbtunnel/internal/usbnative"
)

// transferKind distinguishes the one-shot wire types that carry a reply,
// so the completion callback knows how to shape it.
type transferKind uint8

const (
	kindControl transferKind = iota
	kindBulk
	kindInterrupt
)

// pendingTransfer tracks one in-flight one-shot transfer (control, or a
// bulk/interrupt OUT write) keyed by its wire id. cancel-stream and
// cancel_data_packet both race against natural completion; the native
// layer already guarantees its CompletionFunc fires exactly once, so this
// map's job is only to make that single completion discoverable and to
// make a cancel on an already-completed id a harmless no-op.
type pendingTransfer struct {
	id              uint64
	kind            transferKind
	endpoint        uint8
	native          usbnative.Transfer
	cancelRequested bool
	silent          bool // set by cancel or cancelWhere: the completion sends no wire reply
}

type transferTable struct {
	mu      sync.Mutex
	pending map[uint64]*pendingTransfer
}

func newTransferTable() *transferTable {
	return &transferTable{pending: make(map[uint64]*pendingTransfer)}
}

// add registers id before the native submission that will complete it, so a
// completion callback that fires synchronously (or on a goroutine that wins
// a scheduling race) inside the Submit* call still finds its entry. The
// native transfer handle itself is filled in afterward via setNative, since
// the driver only returns it once submission has been issued.
func (t *transferTable) add(id uint64, kind transferKind, endpoint uint8) *pendingTransfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt := &pendingTransfer{id: id, kind: kind, endpoint: endpoint}
	t.pending[id] = pt
	return pt
}

// setNative attaches the native transfer handle once Submit* returns it. If
// a cancel already arrived for this id while the handle was still unknown,
// it is applied immediately.
func (t *transferTable) setNative(pt *pendingTransfer, nt usbnative.Transfer) {
	t.mu.Lock()
	cancelled := pt.cancelRequested
	pt.native = nt
	t.mu.Unlock()
	if cancelled {
		nt.Cancel()
	}
}

// remove pops id if present, returning ok=false if it already completed
// (or never existed) — the caller must not reply in that case.
func (t *transferTable) remove(id uint64) (*pendingTransfer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pt, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return pt, ok
}

// cancel requests native cancellation of id if it is still outstanding and
// marks it silent, so that whatever the native layer eventually reports for
// it is discarded rather than replied to: the caller synthesizes the single
// "cancelled" reply itself, immediately, instead of waiting on the
// completion callback to race against it. Returns ok=false if id had
// already completed (or never existed), in which case no reply should be
// sent — the completion that already fired owns the one reply for this id.
// If the native handle isn't known yet (submission hasn't returned), the
// request is latched and applied by setNative instead.
func (t *transferTable) cancel(id uint64) (*pendingTransfer, bool) {
	t.mu.Lock()
	pt, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	pt.cancelRequested = true
	pt.silent = true
	nt := pt.native
	t.mu.Unlock()
	if nt != nil {
		nt.Cancel()
	}
	return pt, true
}

// cancelAllNotifying requests native cancellation of every pending one-shot
// transfer, leaving each to report through its ordinary completion path
// (status cancelled) — used by reset, which cancels with guest
// notification, unlike the silent sweep set_configuration/set_alt_setting
// perform before re-announcing the endpoint table.
func (t *transferTable) cancelAllNotifying() {
	t.mu.Lock()
	var toCancel []usbnative.Transfer
	for _, pt := range t.pending {
		pt.cancelRequested = true
		if pt.native != nil {
			toCancel = append(toCancel, pt.native)
		}
	}
	t.mu.Unlock()
	for _, nt := range toCancel {
		nt.Cancel()
	}
}

// cancelWhere requests native cancellation of every pending one-shot
// transfer whose endpoint satisfies match, without sending any wire reply
// itself — used by set_configuration/set_alt_setting, which cancel pending
// transfers silently before re-announcing the endpoint table (the guest
// sees the re-announcement, not individual cancellation replies), and by
// Detach.
func (t *transferTable) cancelWhere(match func(endpoint uint8) bool) {
	t.mu.Lock()
	var toCancel []usbnative.Transfer
	for _, pt := range t.pending {
		if !match(pt.endpoint) {
			continue
		}
		pt.cancelRequested = true
		pt.silent = true
		if pt.native != nil {
			toCancel = append(toCancel, pt.native)
		}
	}
	t.mu.Unlock()
	for _, nt := range toCancel {
		nt.Cancel()
	}
}
