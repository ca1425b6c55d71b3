package krpc

import (
	"net"
	"testing"
)

func TestDecodeFindNodeResponse(t *testing.T) {
	raw := []byte("d1:rd2:id20:aaaaaaaaaaaaaaaaaaaa5:nodes26:bbbbbbbbbbbbbbbbbbbb" +
		"\x7f\x00\x00\x01\x1a\xe1e1:t2:aa1:y1:re")
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !msg.IsResponse() {
		t.Fatalf("expected a usable response, got %+v", msg)
	}
	nodes := DecodeCompactNodes(msg.R.Nodes)
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(nodes))
	}
}

func TestDecodeGarbageDoesNotPanic(t *testing.T) {
	if _, err := Decode([]byte("not bencode")); err == nil {
		t.Fatal("expected an error decoding garbage")
	}
}

func TestIsGetPeersRequiresInfoHash(t *testing.T) {
	msg := Message{Y: "q", Q: "get_peers", T: "aa", A: answer{InfoHash: "short"}}
	if msg.IsGetPeers() {
		t.Fatal("expected IsGetPeers to reject a short info_hash")
	}
	msg.A.InfoHash = string(make([]byte, NodeIDLen))
	if !msg.IsGetPeers() {
		t.Fatal("expected IsGetPeers to accept a well-formed query")
	}
}

func TestIsAnnouncePeerValidatesPortAndImpliedPort(t *testing.T) {
	id := string(make([]byte, NodeIDLen))
	ih := string(make([]byte, NodeIDLen))
	bad := 2
	msg := Message{Y: "q", Q: "announce_peer", T: "aa", A: answer{Id: id, InfoHash: ih, Port: 6881, ImpliedPort: &bad}}
	if msg.IsAnnouncePeer() {
		t.Fatal("expected rejection of an out-of-range implied_port")
	}
	msg.A.ImpliedPort = nil
	if !msg.IsAnnouncePeer() {
		t.Fatal("expected a well-formed announce_peer to validate")
	}
	msg.A.Port = 0
	if msg.IsAnnouncePeer() {
		t.Fatal("expected rejection of a zero port")
	}
}

func TestAnnouncedAddressHonoursImpliedPort(t *testing.T) {
	remote := net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4321}
	one := 1
	msg := Message{A: answer{Port: 999, ImpliedPort: &one}}
	addr := msg.AnnouncedAddress(remote)
	if addr.Port != 4321 {
		t.Fatalf("implied_port=1: got port %d, want remote source port 4321", addr.Port)
	}

	msg.A.ImpliedPort = nil
	addr = msg.AnnouncedAddress(remote)
	if addr.Port != 999 {
		t.Fatalf("no implied_port: got port %d, want announced port 999", addr.Port)
	}
}

func TestCompactNodeRoundTrip(t *testing.T) {
	id := NodeID("12345678901234567890")
	addr := NodeAddress{IP: net.IPv4(1, 2, 3, 4), Port: 6881}
	encoded := EncodeCompactNodes(map[NodeID]NodeAddress{id: addr})
	if len(encoded) != CompactNodeLen {
		t.Fatalf("len(encoded) = %d, want %d", len(encoded), CompactNodeLen)
	}
	decoded := DecodeCompactNodes(encoded)
	got, ok := decoded[id]
	if !ok {
		t.Fatalf("decoded map missing %q", id)
	}
	if got.Port != addr.Port || !got.IP.Equal(addr.IP) {
		t.Fatalf("got %+v, want %+v", got, addr)
	}
}

func TestInfoHashStringIsHex(t *testing.T) {
	ih := InfoHash([]byte{0xde, 0xad, 0xbe, 0xef})
	if ih.String() != "deadbeef" {
		t.Fatalf("String() = %q, want %q", ih.String(), "deadbeef")
	}
}
