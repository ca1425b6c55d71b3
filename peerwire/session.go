package peerwire

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"net"
	"sync"
	"time"

	"sybildht/krpc"
	"sybildht/logger"
)

// Timeouts bound every blocking I/O step of a Session; none of it may wait
// unboundedly (spec.md §5).
var (
	ConnectTimeout   = 10 * time.Second
	HandshakeTimeout = 10 * time.Second
	PieceTimeout     = 15 * time.Second
)

// DefaultMaxMetadataSize is the ceiling on advertised metadata_size applied
// when an embedder does not configure one (spec.md §6).
const DefaultMaxMetadataSize = 10 * 1024 * 1024

const ourUtMetadataID = 1 // our advertised sub-id for ut_metadata; peers address every ut_metadata message they send us with it

// Session is a one-shot TCP dialog with a single peer to retrieve one
// torrent's info dictionary. It is created per (info_hash, peer) attempt
// and discarded after Fetch returns, one way or another. Close is safe to
// call from any goroutine at any point in the state machine, including
// concurrently with a Fetch in progress — it aborts the pending I/O and
// Fetch returns promptly with ok == false.
type Session struct {
	infoHash        krpc.InfoHash
	peerAddr        krpc.NodeAddress
	maxMetadataSize int
	log             logger.DebugLogger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewSession prepares a Disposable Peer attempt against addr for infoHash.
// maxMetadataSize <= 0 selects DefaultMaxMetadataSize.
func NewSession(infoHash krpc.InfoHash, addr krpc.NodeAddress, maxMetadataSize int, log logger.DebugLogger) *Session {
	if maxMetadataSize <= 0 {
		maxMetadataSize = DefaultMaxMetadataSize
	}
	if log == nil {
		log = logger.NullLogger{}
	}
	return &Session{infoHash: infoHash, peerAddr: addr, maxMetadataSize: maxMetadataSize, log: log}
}

// Close aborts the session. It is idempotent and safe to call from any
// goroutine, at any point in Fetch's state machine, including before Fetch
// has ever been called (in which case it simply marks the session closed
// so a subsequent Fetch returns immediately).
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// setConn records the live connection so a concurrent Close can reach it.
// Returns false if the session was already closed, in which case the
// caller must tear conn down itself.
func (s *Session) setConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	return true
}

// Fetch runs the Disposable Peer state machine to completion: connect,
// handshake, extended handshake, request every metadata piece, assemble,
// verify against the info-hash, and return the raw bytes. Any protocol
// violation, timeout, or external Close yields a nil error-free "no
// result" — peer-session failures are never fatal to the crawler
// (spec.md §4.5, §7).
func (s *Session) Fetch() (krpc.InfoHash, []byte, bool) {
	if s.isClosed() {
		return "", nil, false
	}
	conn, err := net.DialTimeout("tcp", s.peerAddr.String(), ConnectTimeout)
	if err != nil {
		s.log.Debugf("peerwire: dial %v failed: %v", s.peerAddr, err)
		return "", nil, false
	}
	if !s.setConn(conn) {
		_ = conn.Close()
		return "", nil, false
	}
	defer s.Close()

	var wantIH [20]byte
	copy(wantIH[:], s.infoHash)

	localID := randomPeerID()
	if err := writeRaw(conn, buildHandshake(wantIH, localID), HandshakeTimeout); err != nil {
		s.log.Debugf("peerwire: sending handshake to %v: %v", s.peerAddr, err)
		return "", nil, false
	}

	peerHS, err := readHandshake(conn, HandshakeTimeout)
	if err != nil {
		s.log.Debugf("peerwire: handshake from %v: %v", s.peerAddr, err)
		return "", nil, false
	}
	if _, err := parseHandshake(peerHS, wantIH); err != nil {
		s.log.Debugf("peerwire: rejecting handshake from %v: %v", s.peerAddr, err)
		return "", nil, false
	}

	hsMsg, err := buildExtendedHandshake(ourUtMetadataID)
	if err != nil {
		return "", nil, false
	}
	if err := writePeerMessage(conn, hsMsg, HandshakeTimeout); err != nil {
		s.log.Debugf("peerwire: sending extended handshake to %v: %v", s.peerAddr, err)
		return "", nil, false
	}

	peerUtMetadataID, metadataSize, err := s.awaitExtendedHandshake(conn)
	if err != nil {
		s.log.Debugf("peerwire: extended handshake with %v: %v", s.peerAddr, err)
		return "", nil, false
	}

	pieces := (metadataSize + metadataPieceSize - 1) / metadataPieceSize
	for i := 0; i < pieces; i++ {
		req, err := buildMetadataRequest(peerUtMetadataID, i)
		if err != nil {
			return "", nil, false
		}
		if err := writePeerMessage(conn, req, PieceTimeout); err != nil {
			s.log.Debugf("peerwire: requesting piece %d from %v: %v", i, s.peerAddr, err)
			return "", nil, false
		}
	}

	assembled := make([]byte, metadataSize)
	have := make([]bool, pieces)
	remaining := pieces
	for remaining > 0 {
		if s.isClosed() {
			return "", nil, false
		}
		id, payload, err := readPeerMessage(conn, PieceTimeout)
		if err != nil {
			s.log.Debugf("peerwire: reading from %v: %v", s.peerAddr, err)
			return "", nil, false
		}
		if id != msgExtended || len(payload) == 0 || int(payload[0]) != ourUtMetadataID {
			continue // not a piece message addressed to us; ignore
		}
		hdr, raw, err := parseMetadataPiece(payload[1:])
		if err != nil {
			s.log.Debugf("peerwire: bad metadata message from %v: %v", s.peerAddr, err)
			return "", nil, false
		}
		if hdr.MsgType == msgTypeReject {
			s.log.Debugf("peerwire: %v rejected piece %d", s.peerAddr, hdr.Piece)
			return "", nil, false
		}
		if hdr.MsgType != msgTypeData {
			continue
		}
		if hdr.Piece < 0 || hdr.Piece >= pieces || have[hdr.Piece] {
			s.log.Debugf("peerwire: %v sent duplicate/out-of-range piece %d", s.peerAddr, hdr.Piece)
			return "", nil, false
		}
		off := hdr.Piece * metadataPieceSize
		end := off + len(raw)
		if end > len(assembled) {
			s.log.Debugf("peerwire: %v sent oversized piece %d", s.peerAddr, hdr.Piece)
			return "", nil, false
		}
		copy(assembled[off:end], raw)
		have[hdr.Piece] = true
		remaining--
	}

	sum := sha1.Sum(assembled)
	if string(sum[:]) != string(s.infoHash) {
		s.log.Debugf("peerwire: %v metadata hash mismatch", s.peerAddr)
		return "", nil, false
	}
	if s.isClosed() {
		return "", nil, false
	}
	return s.infoHash, assembled, true
}

func (s *Session) awaitExtendedHandshake(conn net.Conn) (utMetadataID int, metadataSize int, err error) {
	for {
		id, payload, err := readPeerMessage(conn, HandshakeTimeout)
		if err != nil {
			return 0, 0, err
		}
		if id != msgExtended || len(payload) == 0 || payload[0] != extHandshakeID {
			continue
		}
		return parseExtendedHandshake(payload[1:], s.maxMetadataSize)
	}
}

func readHandshake(conn net.Conn, deadline time.Duration) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	buf := make([]byte, handshakeLen)
	if err := readFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeRaw(conn net.Conn, b []byte, deadline time.Duration) error {
	_ = conn.SetWriteDeadline(time.Now().Add(deadline))
	_, err := conn.Write(b)
	return err
}

func randomPeerID() [20]byte {
	var id [20]byte
	_, _ = rand.Read(id[:])
	copy(id[:], []byte(fmt.Sprintf("-SB%04d-", 1)))
	return id
}
