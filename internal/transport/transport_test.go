package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerAcceptsAndStops(t *testing.T) {
	received := make(chan []byte, 1)
	l := NewListener("127.0.0.1:0", func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err == nil {
			received <- buf
		}
	})
	require.NoError(t, l.Start())
	defer l.Stop()

	conn, err := Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	conn.Close()

	select {
	case got := <-received:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed the write")
	}

	require.NoError(t, l.Stop())
}

func TestSecureConnRoundTrip(t *testing.T) {
	psk := []byte("a shared secret at least this long")

	pr1, pw1 := io.Pipe() // device -> guest
	pr2, pw2 := io.Pipe() // guest -> device
	deviceSide := &duplex{r: pr2, w: pw1}
	guestSide := &duplex{r: pr1, w: pw2}

	dev, err := NewSecureConn(deviceSide, psk, true)
	require.NoError(t, err)
	guest, err := NewSecureConn(guestSide, psk, false)
	require.NoError(t, err)

	msg := []byte("device connect, ep info, and a bulk payload")
	go func() {
		_, _ = dev.Write(msg)
	}()

	got := make([]byte, len(msg))
	_, err = io.ReadFull(guest, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestSecureConnRejectsWrongKey(t *testing.T) {
	var buf bytes.Buffer
	sealer, err := NewSecureConn(&buf, []byte("key-one-aaaaaaaaaaaaaaaaaaaaaaaa"), true)
	require.NoError(t, err)
	_, err = sealer.Write([]byte("payload"))
	require.NoError(t, err)

	opener, err := NewSecureConn(&buf, []byte("key-two-bbbbbbbbbbbbbbbbbbbbbbbb"), true)
	require.NoError(t, err)
	_, err = opener.Read(make([]byte, 7))
	assert.Error(t, err)
}

// duplex pairs a separate reader and writer into one io.ReadWriter, since
// a real net.Conn's two directions are independent pipes here.
type duplex struct {
	r io.Reader
	w io.Writer
}

func (d *duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplex) Write(p []byte) (int, error) { return d.w.Write(p) }
