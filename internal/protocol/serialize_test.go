package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeUnserializeRoundTrip(t *testing.T) {
	h := &recordingHandlers{}
	p := New(RoleDevice, h)
	p.Init("device-1.0", NewCapabilitySet(CapEpInfoMaxPacketSize, Cap64BitsIDs), Flags{NoHello: true})

	p.SendReset()
	p.SendGetConfiguration()

	blob, err := p.Serialize()
	require.NoError(t, err)

	target := New(RoleDevice, h)
	target.Init("device-1.0", NewCapabilitySet(CapEpInfoMaxPacketSize, Cap64BitsIDs), Flags{NoHello: true})
	require.NoError(t, target.Unserialize(blob))

	assert.Equal(t, p.BufferedOutputSize(), target.BufferedOutputSize())
	assert.Equal(t, p.queue.Count(), target.queue.Count())
}

func TestUnserializeRejectsNonPristineTarget(t *testing.T) {
	h := &recordingHandlers{}
	p := New(RoleDevice, h)
	p.Init("device-1.0", CapabilitySet{}, Flags{NoHello: true})
	blob, err := p.Serialize()
	require.NoError(t, err)

	target := New(RoleDevice, h)
	target.Init("device-1.0", CapabilitySet{}, Flags{NoHello: true})
	target.SendReset() // queues a write, no longer pristine

	err = target.Unserialize(blob)
	assert.ErrorIs(t, err, ErrNotPristine)
}

func TestUnserializeRejectsUnsupportedPeerCaps(t *testing.T) {
	h := &recordingHandlers{}
	src := New(RoleDevice, h)
	src.Init("device-1.0", NewCapabilitySet(CapFilter), Flags{NoHello: true})
	// Simulate the source having already negotiated a peer with cap_filter.
	src.peerCaps = NewCapabilitySet(CapFilter)
	src.havePeer = true

	blob, err := src.Serialize()
	require.NoError(t, err)

	target := New(RoleDevice, h)
	target.Init("device-1.0", CapabilitySet{}, Flags{NoHello: true}) // lacks cap_filter
	err = target.Unserialize(blob)
	assert.ErrorIs(t, err, ErrPeerCapsUnsupported)
}

func TestUnserializeBadMagic(t *testing.T) {
	h := &recordingHandlers{}
	target := New(RoleDevice, h)
	target.Init("device-1.0", CapabilitySet{}, Flags{NoHello: true})
	err := target.Unserialize([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.ErrorIs(t, err, ErrBadMagic)
}

// TestSerializeMidstreamHeader is scenario S6: serialize after a partial
// header read, restore, then finish feeding the frame.
func TestSerializeMidstreamHeader(t *testing.T) {
	h := &recordingHandlers{}
	p := New(RoleDevice, h)
	p.Init("device-1.0", CapabilitySet{}, Flags{NoHello: true})

	guest := New(RoleGuest, &recordingHandlers{})
	guest.Init("guest-1.0", CapabilitySet{}, Flags{NoHello: true})
	guest.SendReset()
	full := drain(t, guest)
	require.True(t, len(full) > 3)

	perr := p.Feed(full[:3])
	require.Nil(t, perr)

	blob, err := p.Serialize()
	require.NoError(t, err)

	target := New(RoleDevice, h)
	target.Init("device-1.0", CapabilitySet{}, Flags{NoHello: true})
	require.NoError(t, target.Unserialize(blob))

	perr = target.Feed(full[3:])
	assert.Nil(t, perr)
	assert.Equal(t, 1, h.resets)
}
