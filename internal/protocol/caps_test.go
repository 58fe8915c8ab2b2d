package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitySetBasics(t *testing.T) {
	var c CapabilitySet
	assert.True(t, c.IsZero())
	c.Set(CapBulkStreams)
	assert.False(t, c.IsZero())
	assert.True(t, c.Has(CapBulkStreams))
	assert.False(t, c.Has(Cap64BitsIDs))

	c.Clear(CapBulkStreams)
	assert.False(t, c.Has(CapBulkStreams))
}

func TestSanitizeMasksBulkStreamsWithoutMaxPacketSize(t *testing.T) {
	c := NewCapabilitySet(CapBulkStreams)
	out := Sanitize(c)
	assert.False(t, out.Has(CapBulkStreams), "cap_bulk_streams must be masked without cap_ep_info_max_packet_size")

	c2 := NewCapabilitySet(CapBulkStreams, CapEpInfoMaxPacketSize)
	out2 := Sanitize(c2)
	assert.True(t, out2.Has(CapBulkStreams))
	assert.True(t, out2.Has(CapEpInfoMaxPacketSize))
}

func TestAndComputesEffectiveCaps(t *testing.T) {
	a := NewCapabilitySet(CapBulkStreams, CapEpInfoMaxPacketSize, Cap64BitsIDs)
	b := NewCapabilitySet(CapEpInfoMaxPacketSize, Cap64BitsIDs, CapFilter)
	eff := And(a, b)
	assert.True(t, eff.Has(CapEpInfoMaxPacketSize))
	assert.True(t, eff.Has(Cap64BitsIDs))
	assert.False(t, eff.Has(CapBulkStreams))
	assert.False(t, eff.Has(CapFilter))
}

func TestCapabilitySetFromWordsRoundTrip(t *testing.T) {
	a := NewCapabilitySet(CapFilter, Cap32BitsBulkLength)
	words := a.Words()
	b := CapabilitySetFromWords(words)
	require.Equal(t, a.Words(), b.Words())
	assert.True(t, b.Has(CapFilter))
	assert.True(t, b.Has(Cap32BitsBulkLength))
}
