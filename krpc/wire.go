package krpc

import (
	"bytes"
	"crypto/rand"
	"expvar"
	"net"

	"sybildht/arena"
	"sybildht/logger"

	bencode "github.com/jackpal/bencode-go"
)

var (
	TotalSent      = expvar.NewInt("krpc.totalSent")
	TotalRecv      = expvar.NewInt("krpc.totalRecv")
	TotalSendError = expvar.NewInt("krpc.totalSendError")
)

// Packet is one datagram read off the socket, paired with its sender.
type Packet struct {
	B     []byte
	Raddr net.UDPAddr
}

// Listen opens a UDP4 socket on addr:port. port may be 0 to let the OS
// choose.
func Listen(addr string, port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(addr), Port: port})
}

// ReadLoop continuously reads datagrams from conn into buffers borrowed
// from pool, pushing each onto out. It returns only once stop is closed; a
// read error while stop is still open is logged and the read retried.
// Buffers must be returned to pool by the consumer once processing of a
// Packet is complete.
func ReadLoop(conn *net.UDPConn, out chan<- Packet, pool arena.Arena, stop <-chan struct{}, log logger.DebugLogger) {
	for {
		b := pool.Pop()
		n, addr, err := conn.ReadFromUDP(b)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			log.Debugf("krpc: read error: %v", err)
			pool.Push(b)
			continue
		}
		TotalRecv.Add(1)
		select {
		case out <- Packet{B: b[:n], Raddr: *addr}:
		case <-stop:
			return
		}
	}
}

// Send bencodes v and writes it to addr. Errors are returned to the caller
// so congestion (send buffer exhaustion) can be distinguished from other
// failures and fed back into the neighbour cap.
func Send(conn *net.UDPConn, addr NodeAddress, v interface{}) error {
	var b bytes.Buffer
	if err := bencode.Marshal(&b, v); err != nil {
		return err
	}
	TotalSent.Add(1)
	_, err := conn.WriteToUDP(b.Bytes(), addr.UDPAddr())
	if err != nil {
		TotalSendError.Add(1)
	}
	return err
}

// randomBytes returns n cryptographically random bytes.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// BuildFindNodeQuery hand-builds the bencoded bytes for a find_node query
// with the given sender id, skipping the general-purpose bencode marshaller
// for speed, exactly the optimisation the original crawler made: this
// function is on the hot path of every tick.
//
//	d1:ad2:id20:<ID>6:target20:<RAND>e1:q9:find_node1:t2:aa1:y1:qe
func BuildFindNodeQuery(id NodeID) []byte {
	var b bytes.Buffer
	b.WriteString("d1:ad2:id20:")
	b.WriteString(string(id))
	b.WriteString("6:target20:")
	b.Write(randomBytes(NodeIDLen))
	b.WriteString("e1:q9:find_node1:t2:aa1:y1:qe")
	return b.Bytes()
}

// SendRaw writes already-encoded bytes to addr, used for the pre-bencoded
// find_node query.
func SendRaw(conn *net.UDPConn, addr NodeAddress, raw []byte) error {
	TotalSent.Add(1)
	_, err := conn.WriteToUDP(raw, addr.UDPAddr())
	if err != nil {
		TotalSendError.Add(1)
	}
	return err
}

// GetPeersReply builds the reply to a get_peers query: the forged id,
// an empty nodes string (the Sybil never hands out real routing
// information), and the issued token.
func GetPeersReply(transactionID string, forgedID NodeID, token uint32) interface{} {
	return struct {
		T string                 "t"
		Y string                 "y"
		R map[string]interface{} "r"
	}{
		T: transactionID,
		Y: "r",
		R: map[string]interface{}{
			"id":    string(forgedID),
			"nodes": "",
			"token": int64(token),
		},
	}
}

// AnnouncePeerReply builds the reply to an announce_peer query: just the
// forged id, echoing the transaction id.
func AnnouncePeerReply(transactionID string, forgedID NodeID) interface{} {
	return struct {
		T string                 "t"
		Y string                 "y"
		R map[string]interface{} "r"
	}{
		T: transactionID,
		Y: "r",
		R: map[string]interface{}{"id": string(forgedID)},
	}
}
