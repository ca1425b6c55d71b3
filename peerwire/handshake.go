// Package peerwire implements the Disposable Peer: a one-shot TCP dialog
// with a single peer that retrieves a torrent's info dictionary over the
// BitTorrent extension protocol (BEP-10) ut_metadata extension (BEP-9).
// One Session exists per (info_hash, peer) attempt; it is spawned on an
// announce_peer and discarded the moment it succeeds, fails, or is closed
// by a sibling's success.
package peerwire

import (
	"bytes"
	"errors"
	"io"
)

const (
	protocolName = "BitTorrent protocol"
	handshakeLen = 49 + len(protocolName)
	// extensionReserveByte is byte index 5 (0-indexed) of the 8 reserved
	// handshake bytes; bit 0x10 of it announces BEP-10 support.
	extensionReserveByte = 5
	extensionReserveBit  = 0x10
)

// buildHandshake renders the 68-byte BitTorrent handshake: a length-prefixed
// protocol name, 8 reserved bytes with the extension-protocol bit set, the
// info-hash, and a local peer id.
func buildHandshake(infoHash [20]byte, peerID [20]byte) []byte {
	var b bytes.Buffer
	b.WriteByte(byte(len(protocolName)))
	b.WriteString(protocolName)
	reserved := make([]byte, 8)
	reserved[extensionReserveByte] |= extensionReserveBit
	b.Write(reserved)
	b.Write(infoHash[:])
	b.Write(peerID[:])
	return b.Bytes()
}

// parsedHandshake is what the peer sent back.
type parsedHandshake struct {
	extensions bool
	infoHash   [20]byte
	peerID     [20]byte
}

var (
	errShortHandshake   = errors.New("peerwire: handshake too short")
	errWrongProtocol    = errors.New("peerwire: unexpected protocol name")
	errNoExtensions     = errors.New("peerwire: peer does not support the extension protocol")
	errInfoHashMismatch = errors.New("peerwire: peer handshake info-hash mismatch")
)

// parseHandshake validates the peer's 68-byte handshake against the
// info-hash we dialed for. The peer must advertise extension-protocol
// support (BEP-10) since that's the only way ut_metadata can be fetched.
func parseHandshake(b []byte, wantInfoHash [20]byte) (parsedHandshake, error) {
	if len(b) != handshakeLen {
		return parsedHandshake{}, errShortHandshake
	}
	nameLen := int(b[0])
	if nameLen != len(protocolName) || string(b[1:1+nameLen]) != protocolName {
		return parsedHandshake{}, errWrongProtocol
	}
	reserved := b[1+nameLen : 1+nameLen+8]
	var ih, pid [20]byte
	copy(ih[:], b[1+nameLen+8:1+nameLen+8+20])
	copy(pid[:], b[1+nameLen+8+20:1+nameLen+8+40])
	if ih != wantInfoHash {
		return parsedHandshake{}, errInfoHashMismatch
	}
	if reserved[extensionReserveByte]&extensionReserveBit == 0 {
		return parsedHandshake{}, errNoExtensions
	}
	return parsedHandshake{extensions: true, infoHash: ih, peerID: pid}, nil
}

// readFull reads exactly len(buf) bytes or returns an error, treating EOF
// mid-read the same as any other I/O failure.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
