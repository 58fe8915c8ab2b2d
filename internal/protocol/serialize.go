package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// magicURP1 is the serialization blob magic, stable across codec versions.
const magicURP1 uint32 = 0x55525031

// Serialize snapshots the parser's complete reader and write-queue state
// into a little-endian byte blob suitable for Unserialize into a pristine
// parser on another process (connection handoff / live migration).
func (p *Parser) Serialize() ([]byte, error) {
	var body bytes.Buffer
	w := func(v any) { binary.Write(&body, binary.LittleEndian, v) }

	ourWords := p.ourCaps.Words()
	w(uint32(len(ourWords)))
	w(ourWords)

	var peerWords []uint32
	if p.havePeer {
		peerWords = p.peerCaps.Words()
	}
	w(uint32(len(peerWords)))
	w(peerWords)

	w(uint32(p.toSkip))
	w(uint8(p.ph))

	w(uint32(p.headerLen))
	w(uint32(p.headerRead))
	body.Write(p.headerBuf[:p.headerRead])
	w(uint32(p.header.Type))
	w(p.header.Length)
	w(p.header.ID)

	w(uint32(p.typeHeaderLen))
	w(uint32(p.typeHeaderRead))
	body.Write(p.typeHeaderBuf[:p.typeHeaderRead])

	w(uint32(p.dataLen))
	w(uint32(p.dataRead))
	body.Write(p.data[:p.dataRead])

	nodes := p.queue.snapshot()
	w(uint32(len(nodes)))
	for _, n := range nodes {
		w(uint32(len(n)))
		body.Write(n)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, magicURP1)
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// pristine reports whether p is a valid Unserialize target: no queued
// writes, no partial frame in progress, and no established peer
// capabilities.
func (p *Parser) pristine() bool {
	return p.queue.Count() == 0 &&
		p.ph == phaseHeader && p.headerRead == 0 && p.toSkip == 0 &&
		!p.havePeer
}

// Unserialize restores a blob produced by Serialize into p, which must be
// pristine. It accepts a restored peer that lacks some of p's own
// capabilities (as set by Init; logged) but rejects one that has a
// capability p's own set does not have.
func (p *Parser) Unserialize(blob []byte) error {
	if !p.pristine() {
		return ErrNotPristine
	}
	r := bytes.NewReader(blob)
	rd := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }

	var magic, totalLen uint32
	if err := rd(&magic); err != nil {
		return fmt.Errorf("protocol: unserialize: %w", err)
	}
	if magic != magicURP1 {
		return ErrBadMagic
	}
	if err := rd(&totalLen); err != nil {
		return fmt.Errorf("protocol: unserialize: %w", err)
	}
	if uint32(r.Len()) < totalLen {
		return fmt.Errorf("protocol: unserialize: truncated blob")
	}

	readWords := func() ([]uint32, error) {
		var n uint32
		if err := rd(&n); err != nil {
			return nil, err
		}
		words := make([]uint32, n)
		for i := range words {
			if err := rd(&words[i]); err != nil {
				return nil, err
			}
		}
		return words, nil
	}

	ourWords, err := readWords()
	if err != nil {
		return fmt.Errorf("protocol: unserialize our_caps: %w", err)
	}
	peerWords, err := readWords()
	if err != nil {
		return fmt.Errorf("protocol: unserialize peer_caps: %w", err)
	}

	ourCaps := CapabilitySetFromWords(ourWords)
	havePeer := len(peerWords) > 0
	peerCaps := CapabilitySetFromWords(peerWords)
	if havePeer {
		if !capsSubsetOf(peerCaps, p.ourCaps) {
			return ErrPeerCapsUnsupported
		}
		if !capsSubsetOf(p.ourCaps, peerCaps) {
			p.handlers.Log(LogWarn, "restored peer capabilities are a strict subset of ours")
		}
	}

	var toSkip32 uint32
	if err := rd(&toSkip32); err != nil {
		return fmt.Errorf("protocol: unserialize to_skip: %w", err)
	}
	var phByte uint8
	if err := rd(&phByte); err != nil {
		return fmt.Errorf("protocol: unserialize phase: %w", err)
	}

	var headerLen, headerRead uint32
	if err := rd(&headerLen); err != nil {
		return err
	}
	if err := rd(&headerRead); err != nil {
		return err
	}
	var headerBuf [maxHeaderWire]byte
	if headerRead > 0 {
		if _, err := r.Read(headerBuf[:headerRead]); err != nil {
			return fmt.Errorf("protocol: unserialize header bytes: %w", err)
		}
	}
	var headerType, headerLength uint32
	var headerID uint64
	if err := rd(&headerType); err != nil {
		return err
	}
	if err := rd(&headerLength); err != nil {
		return err
	}
	if err := rd(&headerID); err != nil {
		return err
	}

	var typeHeaderLen, typeHeaderRead uint32
	if err := rd(&typeHeaderLen); err != nil {
		return err
	}
	if err := rd(&typeHeaderRead); err != nil {
		return err
	}
	typeHeaderBuf := make([]byte, typeHeaderRead)
	if typeHeaderRead > 0 {
		if _, err := r.Read(typeHeaderBuf); err != nil {
			return fmt.Errorf("protocol: unserialize type_header bytes: %w", err)
		}
	}

	var dataLen, dataRead uint32
	if err := rd(&dataLen); err != nil {
		return err
	}
	if err := rd(&dataRead); err != nil {
		return err
	}
	data := make([]byte, dataRead)
	if dataRead > 0 {
		if _, err := r.Read(data); err != nil {
			return fmt.Errorf("protocol: unserialize data bytes: %w", err)
		}
	}

	var nodeCount uint32
	if err := rd(&nodeCount); err != nil {
		return err
	}
	nodes := make([][]byte, 0, nodeCount)
	for i := uint32(0); i < nodeCount; i++ {
		var n uint32
		if err := rd(&n); err != nil {
			return err
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := r.Read(buf); err != nil {
				return fmt.Errorf("protocol: unserialize write node: %w", err)
			}
		}
		nodes = append(nodes, buf)
	}

	p.ourCaps = ourCaps
	p.peerCaps = peerCaps
	p.havePeer = havePeer
	p.toSkip = int(toSkip32)
	p.ph = phase(phByte)
	p.headerLen = int(headerLen)
	p.headerRead = int(headerRead)
	p.headerBuf = headerBuf
	p.header = Header{Type: PacketType(headerType), Length: headerLength, ID: headerID}
	p.typeHeaderLen = int(typeHeaderLen)
	p.typeHeaderRead = int(typeHeaderRead)
	if len(typeHeaderBuf) > 0 || p.typeHeaderLen > 0 {
		full := make([]byte, p.typeHeaderLen)
		copy(full, typeHeaderBuf)
		p.typeHeaderBuf = full
	}
	p.dataLen = int(dataLen)
	p.dataRead = int(dataRead)
	if len(data) > 0 || p.dataLen > 0 {
		full := make([]byte, p.dataLen)
		copy(full, data)
		p.data = full
	}
	p.queue.restore(nodes)

	return nil
}

// capsSubsetOf reports whether every bit set in a is also set in b.
func capsSubsetOf(a, b CapabilitySet) bool {
	aw, bw := a.Words(), b.Words()
	for i, w := range aw {
		var bword uint32
		if i < len(bw) {
			bword = bw[i]
		}
		if w&^bword != 0 {
			return false
		}
	}
	return true
}
