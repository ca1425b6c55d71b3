// Package identity implements the Sybil node's forged-identity protocol:
// the 15-byte-prefix-sharing trick that makes remote DHT nodes place the
// crawler into their own routing tables, and the announce token scheme.
package identity

import (
	"crypto/rand"
	"hash/adler32"
	"net"
	"strconv"

	"sybildht/krpc"
)

const (
	prefixLen = 15
	suffixLen = 5
)

// Sybil holds the identity material for one crawler instance: a true node
// id that is never placed on the wire, and the secret(s) used to mint
// get_peers tokens.
type Sybil struct {
	trueID  krpc.NodeID
	secrets [2][]byte // current, previous; index 0 is the one new tokens are issued with
}

// New generates a fresh true id and token secret.
func New() (*Sybil, error) {
	trueID, err := randomBytes(krpc.NodeIDLen)
	if err != nil {
		return nil, err
	}
	secret, err := randomBytes(4)
	if err != nil {
		return nil, err
	}
	return &Sybil{
		trueID:  krpc.NodeID(trueID),
		secrets: [2][]byte{secret, secret},
	}, nil
}

// True returns the node's real, never-transmitted id.
func (s *Sybil) True() krpc.NodeID { return s.trueID }

// RotateSecret replaces the issuing token secret with a fresh one, keeping
// the previous one around (unused for validation, since the Sybil never
// checks tokens, but kept for parity with how a well-behaved node's
// observable token-issuance cadence looks over a long-lived run).
func (s *Sybil) RotateSecret() error {
	fresh, err := randomBytes(4)
	if err != nil {
		return err
	}
	s.secrets[1] = s.secrets[0]
	s.secrets[0] = fresh
	return nil
}

// Forge builds the outbound identity shared with prefixSource: its first 15
// bytes, followed by the true id's first 5 bytes. Remote nodes classify
// neighbours by shared id prefix, so this makes the Sybil look like a close
// neighbour of prefixSource without ever revealing the true id.
func Forge(prefixSource krpc.NodeID, true_ krpc.NodeID) krpc.NodeID {
	p := string(prefixSource)
	if len(p) < prefixLen {
		// Defensive padding: callers only ever pass validated 20-byte
		// values, but a short value must never panic on slicing.
		p = p + string(make([]byte, prefixLen-len(p)))
	}
	t := string(true_)
	if len(t) < suffixLen {
		t = t + string(make([]byte, suffixLen-len(t)))
	}
	return krpc.NodeID(p[:prefixLen] + t[:suffixLen])
}

// Token computes the deterministic get_peers token for (secret, addr, ih):
// adler32 over secret || 4-byte IPv4 || ASCII decimal port || info_hash,
// matching the original crawler's byte layout bit-for-bit so a peer
// re-presenting the same token later is accepted by any node using the same
// scheme.
func Token(secret []byte, ip net.IP, port int, ih krpc.InfoHash) uint32 {
	h := adler32.New()
	h.Write(secret)
	ip4 := ip.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	h.Write(ip4)
	h.Write([]byte(strconv.Itoa(port)))
	h.Write([]byte(ih))
	return h.Sum32()
}

// IssueToken mints a get_peers token using the current secret.
func (s *Sybil) IssueToken(ip net.IP, port int, ih krpc.InfoHash) uint32 {
	return Token(s.secrets[0], ip, port, ih)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
