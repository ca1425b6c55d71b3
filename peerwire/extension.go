package peerwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

const (
	msgExtended = 20 // BEP-10 message id

	extHandshakeID = 0 // reserved sub-id for the extended handshake itself

	metadataPieceSize = 16384 // BEP-9: every ut_metadata piece but the last is exactly 16 KiB

	msgTypeRequest = 0
	msgTypeData    = 1
	msgTypeReject  = 2
)

// extendedHandshake is the bencoded payload of the BEP-10 handshake
// message. Only the fields ut_metadata fetching needs are modelled;
// anything else the peer sends is ignored.
type extendedHandshake struct {
	M            map[string]int "m"
	MetadataSize int            "metadata_size"
}

// buildExtendedHandshake renders a complete wire message (length prefix +
// message id + extended id + bencoded body) advertising ut_metadata under
// localUtMetadataID. metadata_size is always sent as 0: the Sybil never
// already has the metadata, it is always the one asking.
func buildExtendedHandshake(localUtMetadataID int) ([]byte, error) {
	hs := extendedHandshake{
		M:            map[string]int{"ut_metadata": localUtMetadataID},
		MetadataSize: 0,
	}
	var body bytes.Buffer
	if err := bencode.Marshal(&body, hs); err != nil {
		return nil, err
	}
	return frameExtended(extHandshakeID, body.Bytes()), nil
}

// parseExtendedHandshake extracts the peer's ut_metadata message id and
// advertised metadata size from the bencoded payload, rejecting a
// metadata_size that is absent, non-positive, or larger than maxSize, per
// spec.md §4.5 step 3.
func parseExtendedHandshake(payload []byte, maxSize int) (utMetadataID int, metadataSize int, err error) {
	var hs extendedHandshake
	if err := bencode.Unmarshal(bytes.NewReader(payload), &hs); err != nil {
		return 0, 0, fmt.Errorf("peerwire: decoding extended handshake: %w", err)
	}
	id, ok := hs.M["ut_metadata"]
	if !ok {
		return 0, 0, errors.New("peerwire: peer did not advertise ut_metadata")
	}
	if hs.MetadataSize <= 0 {
		return 0, 0, errors.New("peerwire: peer advertised no metadata_size")
	}
	if hs.MetadataSize > maxSize {
		return 0, 0, fmt.Errorf("peerwire: metadata_size %d exceeds limit %d", hs.MetadataSize, maxSize)
	}
	return id, hs.MetadataSize, nil
}

// metadataMessage is the bencoded prefix of a ut_metadata piece message. A
// "data" message (MsgType == msgTypeData) is followed in the same extended
// message body by the raw piece bytes, appended after the bencoded dict
// rather than as one of its values.
type metadataMessage struct {
	MsgType int "msg_type"
	Piece   int "piece"
}

// buildMetadataRequest renders a ut_metadata request for the given piece
// index, addressed to the peer's advertised extended message id.
func buildMetadataRequest(peerUtMetadataID, piece int) ([]byte, error) {
	var body bytes.Buffer
	if err := bencode.Marshal(&body, metadataMessage{MsgType: msgTypeRequest, Piece: piece}); err != nil {
		return nil, err
	}
	return frameExtended(peerUtMetadataID, body.Bytes()), nil
}

// parseMetadataPiece splits an inbound ut_metadata extended-message payload
// into its bencoded header and (for a data message) the trailing raw piece
// bytes.
func parseMetadataPiece(payload []byte) (hdr metadataMessage, raw []byte, err error) {
	buf := bytes.NewReader(payload)
	if err := bencode.Unmarshal(buf, &hdr); err != nil {
		return metadataMessage{}, nil, fmt.Errorf("peerwire: decoding metadata message: %w", err)
	}
	raw, _ = io.ReadAll(buf)
	return hdr, raw, nil
}

// frameExtended wraps an extended-protocol sub-message (sub-id + body) in
// the standard 4-byte-length-prefixed peer wire message envelope with
// message id 20.
func frameExtended(subID int, body []byte) []byte {
	payload := make([]byte, 1+len(body))
	payload[0] = byte(subID)
	copy(payload[1:], body)
	return frameMessage(msgExtended, payload)
}

// frameMessage wraps id+payload in a 4-byte big-endian length prefix.
func frameMessage(id byte, payload []byte) []byte {
	out := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(1+len(payload)))
	out[4] = id
	copy(out[5:], payload)
	return out
}

// readPeerMessage reads one length-prefixed peer wire message from conn,
// transparently skipping keep-alives (zero-length messages). deadline
// bounds each read and is renewed after every keep-alive.
func readPeerMessage(conn net.Conn, deadline time.Duration) (id byte, payload []byte, err error) {
	for {
		if deadline > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(deadline))
		}
		var lenBuf [4]byte
		if err := readFull(conn, lenBuf[:]); err != nil {
			return 0, nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue // keep-alive
		}
		body := make([]byte, n)
		if err := readFull(conn, body); err != nil {
			return 0, nil, err
		}
		return body[0], body[1:], nil
	}
}

// writePeerMessage writes a pre-framed message to conn, bounded by deadline.
func writePeerMessage(conn net.Conn, framed []byte, deadline time.Duration) error {
	if deadline > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(deadline))
	}
	_, err := conn.Write(framed)
	return err
}
