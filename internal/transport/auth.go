package transport

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// maxRecordSize bounds one SecureConn record's plaintext size, keeping
// reassembly buffers bounded regardless of what the caller writes in one
// call.
const maxRecordSize = 64 * 1024

// deriveKeys expands a pre-shared key into independent per-direction keys
// via HKDF-SHA256. Authentication sits underneath the wire protocol as an
// additive layer rather than part of the framing itself. deviceSide
// selects which of the two derived keys is used for sending versus
// receiving, so the two ends end up with complementary, not identical,
// key pairs.
func deriveKeys(psk []byte, deviceSide bool) (sendKey, recvKey []byte, err error) {
	deviceKey := make([]byte, chacha20poly1305.KeySize)
	guestKey := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, psk, nil, []byte("usbtunnel transport v1"))
	if _, err := io.ReadFull(r, deviceKey); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(r, guestKey); err != nil {
		return nil, nil, err
	}
	if deviceSide {
		return deviceKey, guestKey, nil
	}
	return guestKey, deviceKey, nil
}

// SecureConn wraps an io.ReadWriter with a length-prefixed
// chacha20poly1305 record layer. It implements io.ReadWriter so it can
// replace the raw net.Conn handed to the protocol parser's ReadFunc/
// DoWrite without either of them knowing encryption is involved.
type SecureConn struct {
	rw io.ReadWriter

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD
	sendSeq  uint64
	recvSeq  uint64

	recvBuf []byte
}

// NewSecureConn derives keys from psk and wraps rw. Both ends of a
// connection must agree on psk and pass opposite deviceSide values.
func NewSecureConn(rw io.ReadWriter, psk []byte, deviceSide bool) (*SecureConn, error) {
	sendKey, recvKey, err := deriveKeys(psk, deviceSide)
	if err != nil {
		return nil, fmt.Errorf("transport: derive keys: %w", err)
	}
	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, fmt.Errorf("transport: send cipher: %w", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, fmt.Errorf("transport: recv cipher: %w", err)
	}
	return &SecureConn{rw: rw, sendAEAD: sendAEAD, recvAEAD: recvAEAD}, nil
}

func recordNonce(seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[chacha20poly1305.NonceSize-8:], seq)
	return n
}

// Write seals p as one or more length-prefixed records.
func (c *SecureConn) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxRecordSize {
			chunk = chunk[:maxRecordSize]
		}
		sealed := c.sendAEAD.Seal(nil, recordNonce(c.sendSeq), chunk, nil)
		c.sendSeq++

		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
		if _, err := c.rw.Write(hdr[:]); err != nil {
			return 0, err
		}
		if _, err := c.rw.Write(sealed); err != nil {
			return 0, err
		}
		p = p[len(chunk):]
	}
	return total, nil
}

// Read fills p from the current record, reading and opening the next one
// off rw when the current one is exhausted.
func (c *SecureConn) Read(p []byte) (int, error) {
	if len(c.recvBuf) == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxRecordSize+chacha20poly1305.Overhead {
			return 0, errors.New("transport: record exceeds maximum size")
		}
		sealed := make([]byte, n)
		if _, err := io.ReadFull(c.rw, sealed); err != nil {
			return 0, err
		}
		plain, err := c.recvAEAD.Open(nil, recordNonce(c.recvSeq), sealed, nil)
		if err != nil {
			return 0, fmt.Errorf("transport: authentication failed: %w", err)
		}
		c.recvSeq++
		c.recvBuf = plain
	}
	n := copy(p, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}
