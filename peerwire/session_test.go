package peerwire

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"net"
	"testing"
	"time"

	"sybildht/krpc"
	"sybildht/logger"
)

func TestSessionCloseBeforeFetchIsImmediate(t *testing.T) {
	s := NewSession(krpc.InfoHash(make([]byte, 20)), krpc.NodeAddress{IP: net.IPv4(127, 0, 0, 1), Port: 1}, 0, nil)
	s.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, ok := s.Fetch()
		if ok {
			t.Error("expected Fetch to fail after Close")
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not return promptly after a pre-emptive Close")
	}
}

// fakePeer speaks just enough of the protocol to hand back a small metadata
// blob over a single piece.
func fakePeer(t *testing.T, ln net.Listener, infoHash [20]byte, metadata []byte) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	buf := make([]byte, handshakeLen)
	if err := readFull(conn, buf); err != nil {
		t.Errorf("fakePeer: reading handshake: %v", err)
		return
	}
	var peerID [20]byte
	copy(peerID[:], "-FAKE01-123456789012")
	if _, err := conn.Write(buildHandshake(infoHash, peerID)); err != nil {
		t.Errorf("fakePeer: writing handshake: %v", err)
		return
	}

	const fakeUtMetadataID = 9
	hs, err := buildExtendedHandshakeWithSize(fakeUtMetadataID, len(metadata))
	if err != nil {
		t.Errorf("fakePeer: building extended handshake: %v", err)
		return
	}
	if err := writePeerMessage(conn, hs, time.Second); err != nil {
		t.Errorf("fakePeer: sending extended handshake: %v", err)
		return
	}

	// drain the client's own extended handshake
	if _, _, err := readPeerMessage(conn, 2*time.Second); err != nil {
		t.Errorf("fakePeer: reading client extended handshake: %v", err)
		return
	}

	id, payload, err := readPeerMessage(conn, 2*time.Second)
	if err != nil || id != msgExtended {
		t.Errorf("fakePeer: reading piece request: id=%d err=%v", id, err)
		return
	}
	hdr, _, err := parseMetadataPiece(payload[1:])
	if err != nil || hdr.MsgType != msgTypeRequest {
		t.Errorf("fakePeer: bad piece request: %+v err=%v", hdr, err)
		return
	}

	// The data message must be addressed using the ID the *client*
	// advertised for ut_metadata in its own handshake (ourUtMetadataID),
	// not the id this fake peer advertised — BEP-10 addresses every
	// extended message by the recipient's own declared id for it.
	data, err := buildMetadataData(ourUtMetadataID, hdr.Piece, metadata)
	if err != nil {
		t.Errorf("fakePeer: building data message: %v", err)
		return
	}
	if err := writePeerMessage(conn, data, time.Second); err != nil {
		t.Errorf("fakePeer: sending piece: %v", err)
		return
	}
}

func TestSessionFetchSucceeds(t *testing.T) {
	metadata := []byte("d4:name6:exampleee")
	infoHash := sha1.Sum(metadata)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go fakePeer(t, ln, infoHash, metadata)

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := krpc.NodeAddress{IP: tcpAddr.IP, Port: tcpAddr.Port}
	session := NewSession(krpc.InfoHash(infoHash[:]), addr, 0, logger.NullLogger{})

	gotIH, gotMetadata, ok := session.Fetch()
	if !ok {
		t.Fatal("expected Fetch to succeed")
	}
	if string(gotIH) != string(infoHash[:]) {
		t.Fatalf("info hash mismatch")
	}
	if string(gotMetadata) != string(metadata) {
		t.Fatalf("metadata = %q, want %q", gotMetadata, metadata)
	}
}

// fakePeerHandshake completes the inbound BEP-3 handshake and BEP-10
// extended handshake for a fake peer advertising metadataSize, leaving conn
// positioned to read piece requests.
func fakePeerHandshake(t *testing.T, conn net.Conn, infoHash [20]byte, metadataSize int) error {
	t.Helper()
	buf := make([]byte, handshakeLen)
	if err := readFull(conn, buf); err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	var peerID [20]byte
	copy(peerID[:], "-FAKE01-123456789012")
	if _, err := conn.Write(buildHandshake(infoHash, peerID)); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}

	const fakeUtMetadataID = 9
	hs, err := buildExtendedHandshakeWithSize(fakeUtMetadataID, metadataSize)
	if err != nil {
		return fmt.Errorf("building extended handshake: %w", err)
	}
	if err := writePeerMessage(conn, hs, time.Second); err != nil {
		return fmt.Errorf("sending extended handshake: %w", err)
	}
	if _, _, err := readPeerMessage(conn, 2*time.Second); err != nil {
		return fmt.Errorf("reading client extended handshake: %w", err)
	}
	return nil
}

// readPieceRequest reads one ut_metadata request message off conn and
// returns the requested piece index.
func readPieceRequest(conn net.Conn) (int, error) {
	id, payload, err := readPeerMessage(conn, 2*time.Second)
	if err != nil || id != msgExtended {
		return 0, fmt.Errorf("reading piece request: id=%d err=%v", id, err)
	}
	hdr, _, err := parseMetadataPiece(payload[1:])
	if err != nil || hdr.MsgType != msgTypeRequest {
		return 0, fmt.Errorf("bad piece request: %+v err=%v", hdr, err)
	}
	return hdr.Piece, nil
}

func TestSessionFetchAssemblesMultiplePieces(t *testing.T) {
	first := bytes.Repeat([]byte("a"), metadataPieceSize)
	second := []byte("trailing bytes of the second piece")
	metadata := append(append([]byte{}, first...), second...)
	infoHash := sha1.Sum(metadata)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if err := fakePeerHandshake(t, conn, infoHash, len(metadata)); err != nil {
			t.Error(err)
			return
		}
		for i := 0; i < 2; i++ {
			piece, err := readPieceRequest(conn)
			if err != nil {
				t.Error(err)
				return
			}
			off := piece * metadataPieceSize
			end := off + metadataPieceSize
			if end > len(metadata) {
				end = len(metadata)
			}
			data, err := buildMetadataData(ourUtMetadataID, piece, metadata[off:end])
			if err != nil {
				t.Errorf("buildMetadataData: %v", err)
				return
			}
			if err := writePeerMessage(conn, data, time.Second); err != nil {
				t.Errorf("writePeerMessage: %v", err)
				return
			}
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := krpc.NodeAddress{IP: tcpAddr.IP, Port: tcpAddr.Port}
	session := NewSession(krpc.InfoHash(infoHash[:]), addr, 0, logger.NullLogger{})

	gotIH, gotMetadata, ok := session.Fetch()
	if !ok {
		t.Fatal("expected Fetch to succeed across two pieces")
	}
	if string(gotIH) != string(infoHash[:]) {
		t.Fatal("info hash mismatch")
	}
	if string(gotMetadata) != string(metadata) {
		t.Fatalf("metadata length = %d, want %d", len(gotMetadata), len(metadata))
	}
}

func TestSessionFetchRejectsDuplicatePiece(t *testing.T) {
	first := bytes.Repeat([]byte("b"), metadataPieceSize)
	second := []byte("trailing bytes of the second piece")
	metadata := append(append([]byte{}, first...), second...)
	infoHash := sha1.Sum(metadata)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if err := fakePeerHandshake(t, conn, infoHash, len(metadata)); err != nil {
			t.Error(err)
			return
		}
		for i := 0; i < 2; i++ {
			if _, err := readPieceRequest(conn); err != nil {
				t.Error(err)
				return
			}
		}
		// Send piece 0 twice instead of piece 0 then piece 1: a hostile or
		// broken peer re-sending a piece the session already has.
		data, err := buildMetadataData(ourUtMetadataID, 0, first)
		if err != nil {
			t.Errorf("buildMetadataData: %v", err)
			return
		}
		if err := writePeerMessage(conn, data, time.Second); err != nil {
			t.Errorf("writePeerMessage: %v", err)
			return
		}
		if err := writePeerMessage(conn, data, time.Second); err != nil {
			t.Errorf("writePeerMessage: %v", err)
			return
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := krpc.NodeAddress{IP: tcpAddr.IP, Port: tcpAddr.Port}
	session := NewSession(krpc.InfoHash(infoHash[:]), addr, 0, logger.NullLogger{})

	if _, _, ok := session.Fetch(); ok {
		t.Fatal("expected Fetch to reject a duplicate piece")
	}
}

func TestSessionFetchRejectsOutOfRangePiece(t *testing.T) {
	metadata := []byte("short single-piece metadata")
	infoHash := sha1.Sum(metadata)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if err := fakePeerHandshake(t, conn, infoHash, len(metadata)); err != nil {
			t.Error(err)
			return
		}
		if _, err := readPieceRequest(conn); err != nil {
			t.Error(err)
			return
		}
		// A single-piece fetch only ever has piece index 0 valid.
		data, err := buildMetadataData(ourUtMetadataID, 5, metadata)
		if err != nil {
			t.Errorf("buildMetadataData: %v", err)
			return
		}
		if err := writePeerMessage(conn, data, time.Second); err != nil {
			t.Errorf("writePeerMessage: %v", err)
			return
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := krpc.NodeAddress{IP: tcpAddr.IP, Port: tcpAddr.Port}
	session := NewSession(krpc.InfoHash(infoHash[:]), addr, 0, logger.NullLogger{})

	if _, _, ok := session.Fetch(); ok {
		t.Fatal("expected Fetch to reject an out-of-range piece index")
	}
}

func TestSessionFetchRejectsHashMismatch(t *testing.T) {
	real := []byte("the real metadata bytes!")
	wrong := []byte("the WRONG metadata bytes!")
	if len(real) != len(wrong) {
		t.Fatal("test fixture error: real and wrong must be equal length")
	}
	infoHash := sha1.Sum(real)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if err := fakePeerHandshake(t, conn, infoHash, len(real)); err != nil {
			t.Error(err)
			return
		}
		if _, err := readPieceRequest(conn); err != nil {
			t.Error(err)
			return
		}
		data, err := buildMetadataData(ourUtMetadataID, 0, wrong)
		if err != nil {
			t.Errorf("buildMetadataData: %v", err)
			return
		}
		if err := writePeerMessage(conn, data, time.Second); err != nil {
			t.Errorf("writePeerMessage: %v", err)
			return
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := krpc.NodeAddress{IP: tcpAddr.IP, Port: tcpAddr.Port}
	session := NewSession(krpc.InfoHash(infoHash[:]), addr, 0, logger.NullLogger{})

	if _, _, ok := session.Fetch(); ok {
		t.Fatal("expected Fetch to reject a metadata hash mismatch")
	}
}

func TestSessionFetchStopsOnConcurrentClose(t *testing.T) {
	const metadataSize = 100
	var infoHash [20]byte
	copy(infoHash[:], "concurrent-close-test-info-hash")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	requestSeen := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if err := fakePeerHandshake(t, conn, infoHash, metadataSize); err != nil {
			t.Error(err)
			return
		}
		if _, err := readPieceRequest(conn); err != nil {
			t.Error(err)
			return
		}
		close(requestSeen)
		// Deliberately never respond: Close must be what ends the Fetch.
		time.Sleep(5 * time.Second)
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := krpc.NodeAddress{IP: tcpAddr.IP, Port: tcpAddr.Port}
	session := NewSession(krpc.InfoHash(infoHash[:]), addr, 0, logger.NullLogger{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, ok := session.Fetch(); ok {
			t.Error("expected Fetch to fail once closed mid-flight")
		}
	}()

	select {
	case <-requestSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("fake peer never observed the piece request")
	}
	session.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch did not return promptly after a concurrent Close")
	}
}
