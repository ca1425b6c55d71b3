package peerwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	bencode "github.com/jackpal/bencode-go"
)

// marshalForTest bencodes v, failing the test on error. Used to hand-build
// wire payloads a real peer might send, without going through a net.Conn.
func marshalForTest(t *testing.T, v interface{}) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := bencode.Marshal(&b, v); err != nil {
		t.Fatalf("bencode.Marshal: %v", err)
	}
	return b.Bytes()
}

// readPeerMessageFromBytes parses one length-prefixed peer wire message
// directly out of an in-memory buffer, mirroring readPeerMessage's framing
// without requiring a live net.Conn.
func readPeerMessageFromBytes(wire []byte) (id byte, payload []byte, err error) {
	if len(wire) < 5 {
		return 0, nil, errors.New("peerwire: message too short")
	}
	n := binary.BigEndian.Uint32(wire[0:4])
	if int(n)+4 > len(wire) {
		return 0, nil, errors.New("peerwire: truncated message")
	}
	return wire[4], wire[5 : 4+n], nil
}

// buildExtendedHandshakeWithSize is like buildExtendedHandshake but lets a
// test stand-in peer advertise a specific metadata_size, something the real
// Session never needs to do since it never already has the metadata.
func buildExtendedHandshakeWithSize(localUtMetadataID, metadataSize int) ([]byte, error) {
	hs := extendedHandshake{M: map[string]int{"ut_metadata": localUtMetadataID}, MetadataSize: metadataSize}
	var body bytes.Buffer
	if err := bencode.Marshal(&body, hs); err != nil {
		return nil, err
	}
	return frameExtended(extHandshakeID, body.Bytes()), nil
}

// buildMetadataData renders a ut_metadata "data" message carrying raw as its
// trailing piece bytes, for a test stand-in peer to send back.
func buildMetadataData(subID, piece int, raw []byte) ([]byte, error) {
	var body bytes.Buffer
	if err := bencode.Marshal(&body, metadataMessage{MsgType: msgTypeData, Piece: piece}); err != nil {
		return nil, err
	}
	body.Write(raw)
	return frameExtended(subID, body.Bytes()), nil
}
