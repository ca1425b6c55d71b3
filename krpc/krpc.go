// Package krpc implements the wire-level bencoded request/response protocol
// spoken over UDP by Mainline DHT nodes (BEP-5), pared down to exactly the
// message shapes the Sybil crawler needs to recognise: find_node responses
// (for refilling the routing table), get_peers queries, and announce_peer
// queries. Everything else is treated as noise and dropped.
package krpc

import (
	"bytes"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"
)

const (
	// NodeIDLen is the length in bytes of a DHT node id or info-hash.
	NodeIDLen = 20
	// CompactNodeLen is the length of one "compact node info" record: a
	// 20-byte node id followed by a 4-byte IPv4 address and a 2-byte
	// big-endian port.
	CompactNodeLen = 26
	// MaxPacketSize bounds a single inbound UDP datagram. Real DHT traffic
	// rarely exceeds a kilobyte; this leaves generous headroom.
	MaxPacketSize = 4096
)

// NodeID is a 20-byte DHT node identifier, carried as a string so it can be
// used directly as a map key and sliced without a copy.
type NodeID string

// Bogus reports whether id is not a well-formed 20-byte node id.
func (id NodeID) Bogus() bool { return len(id) != NodeIDLen }

// InfoHash is a 20-byte BitTorrent info-hash.
type InfoHash string

// Bogus reports whether ih is not a well-formed 20-byte info-hash.
func (ih InfoHash) Bogus() bool { return len(ih) != NodeIDLen }

// String renders the info-hash as lowercase hex, the conventional magnet-URI
// form.
func (ih InfoHash) String() string { return fmt.Sprintf("%x", string(ih)) }

// NodeAddress is an IPv4 endpoint reachable on the DHT.
type NodeAddress struct {
	IP   net.IP
	Port int
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// UDPAddr converts a to a *net.UDPAddr for use with net.UDPConn.
func (a NodeAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

// answer carries every field the crawler ever needs to read out of a
// query's "a" dictionary. Fields absent on the wire decode to their zero
// value; callers must check the assertions spec.md demands before trusting
// them.
type answer struct {
	Id          string "id"
	InfoHash    string "info_hash"
	Token       string "token"
	Port        int    "port"
	ImpliedPort *int   "implied_port"
	Target      string "target"
}

// result carries the "r" dictionary of a response.
type result struct {
	Nodes string "nodes"
	Token string "token"
	Id    string "id"
}

// Message is the generic shape of any inbound KRPC datagram, decoded
// without knowing in advance whether it is a query or a response.
type Message struct {
	T string "t"
	Y string "y"
	Q string "q"
	A answer  "a"
	R result  "r"
}

// Decode bencode-decodes a raw UDP payload into a Message. It recovers from
// panics raised by the bencode library on malformed input, since bencode
// decoding of arbitrary network bytes is inherently fragile, and reports
// them as an error so the caller drops the packet.
func Decode(b []byte) (msg Message, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("krpc: panic decoding message: %v", x)
		}
	}()
	err = bencode.Unmarshal(bytes.NewReader(b), &msg)
	return msg, err
}

// IsResponse reports whether msg is a "r"-type message carrying a
// byte-string "nodes" field whose length is a multiple of CompactNodeLen,
// i.e. one this crawler can use to refill its routing table. Any other
// response shape is considered unusable and should be dropped.
func (m Message) IsResponse() bool {
	return m.Y == "r" && len(m.R.Nodes)%CompactNodeLen == 0
}

// IsGetPeers reports whether msg is a well-formed get_peers query: a
// non-empty transaction id and a 20-byte info_hash.
func (m Message) IsGetPeers() bool {
	return m.Y == "q" && m.Q == "get_peers" && m.T != "" && len(m.A.InfoHash) == NodeIDLen
}

// IsAnnouncePeer reports whether msg is a well-formed announce_peer query:
// non-empty transaction id, 20-byte requester id and info_hash, and a port
// in [1, 65535]. implied_port, if present, must be 0 or 1. The token is
// neither required nor checked — the Sybil never validates it.
func (m Message) IsAnnouncePeer() bool {
	if m.Y != "q" || m.Q != "announce_peer" {
		return false
	}
	if m.T == "" || len(m.A.Id) != NodeIDLen || len(m.A.InfoHash) != NodeIDLen {
		return false
	}
	if m.A.Port <= 0 || m.A.Port > 65535 {
		return false
	}
	if m.A.ImpliedPort != nil && *m.A.ImpliedPort != 0 && *m.A.ImpliedPort != 1 {
		return false
	}
	return true
}

// AnnouncedAddress computes the effective peer address for a validated
// announce_peer query, per spec.md §4.4: the announced port, unless
// implied_port is set, in which case the remote UDP source port is used.
func (m Message) AnnouncedAddress(remote net.UDPAddr) NodeAddress {
	if m.A.ImpliedPort != nil && *m.A.ImpliedPort == 1 {
		return NodeAddress{IP: remote.IP, Port: remote.Port}
	}
	return NodeAddress{IP: remote.IP, Port: m.A.Port}
}

// DecodeCompactNodes splits a "nodes" byte string into its constituent
// 20+4+2 byte records. The length of nodes must already be known to be a
// multiple of CompactNodeLen (callers check this via IsResponse); any
// trailing bytes short of a full record are ignored, so input shorter than
// one record yields an empty, non-nil map.
func DecodeCompactNodes(nodes string) map[NodeID]NodeAddress {
	out := make(map[NodeID]NodeAddress, len(nodes)/CompactNodeLen)
	for i := 0; i+CompactNodeLen <= len(nodes); i += CompactNodeLen {
		rec := nodes[i : i+CompactNodeLen]
		id := NodeID(rec[:NodeIDLen])
		ip := net.IPv4(rec[20], rec[21], rec[22], rec[23])
		port := int(rec[24])<<8 | int(rec[25])
		out[id] = NodeAddress{IP: ip, Port: port}
	}
	return out
}

// EncodeCompactNodes renders the given nodes as a single "nodes" byte
// string, in unspecified order. It is the inverse of DecodeCompactNodes and
// exists primarily to exercise the round-trip property and to let an
// embedder hand-construct synthetic responses in tests.
func EncodeCompactNodes(nodes map[NodeID]NodeAddress) string {
	var b bytes.Buffer
	for id, addr := range nodes {
		b.WriteString(string(id))
		ip4 := addr.IP.To4()
		if ip4 == nil {
			ip4 = net.IPv4zero.To4()
		}
		b.Write(ip4)
		b.WriteByte(byte(addr.Port >> 8))
		b.WriteByte(byte(addr.Port & 0xff))
	}
	return b.String()
}
