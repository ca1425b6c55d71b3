// Package sybildht implements a Sybil BitTorrent Mainline DHT crawler: a
// node that joins the DHT under a forged identity, never answers queries
// truthfully, and instead uses every announce_peer it receives as a lead to
// dial the announcing peer directly and pull the torrent's metadata over
// the BEP-10 ut_metadata extension.
package sybildht

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"sybildht/arena"
	"sybildht/identity"
	"sybildht/krpc"
	"sybildht/logger"
	"sybildht/peerwire"
	"sybildht/routing"
)

// NodeID and InfoHash are re-exported from krpc so embedders need not
// import the wire package directly to use the public API.
type NodeID = krpc.NodeID
type InfoHash = krpc.InfoHash

// Stats is a point-in-time snapshot of the node's expvar counters, for
// embedders that want a value without scraping /debug/vars.
type Stats struct {
	PacketsRecv       int64
	PacketsDropped    int64
	FindNodeSent      int64
	GetPeersReplied   int64
	AnnouncePeerSeen  int64
	AnnounceDropped   int64
	SessionsSpawned   int64
	SessionsSucceeded int64
	SessionsFailed    int64
	CongestionEvents  int64
	ArenaStarvation   int64
	NeighbourCap      int
	RoutingTableSize  int
}

// sessionDone is how a Disposable Peer goroutine reports back to the
// dispatch loop, which is the only goroutine allowed to mutate the peers
// table (spec.md §5).
type sessionDone struct {
	ih      InfoHash
	session *peerwire.Session
	result  []byte
	ok      bool
}

// Node is a running Sybil crawler. Construct with New, drive it with
// Start, and read completed fetches off Metadata().
type Node struct {
	cfg  Config
	conn *net.UDPConn
	id   *identity.Sybil
	tbl  *routing.Table
	cap  *routing.Cap
	log  logger.DebugLogger

	metaQ   *metadataQueue
	metaOut chan MetadataResult

	inflight chan struct{} // bounds concurrent Disposable Peer goroutines

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// peers is touched only by the dispatch loop goroutine.
	peers map[InfoHash][]*peerwire.Session
}

// New constructs a Node bound to cfg.BindAddress:cfg.BindPort. The socket is
// opened immediately; Start must be called to begin processing.
func New(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	conn, err := krpc.Listen(cfg.BindAddress, cfg.BindPort)
	if err != nil {
		return nil, fmt.Errorf("sybildht: listen: %w", err)
	}
	id, err := identity.New()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sybildht: generating identity: %w", err)
	}
	cap := cfg.newCap()
	return &Node{
		cfg:      cfg,
		conn:     conn,
		id:       id,
		tbl:      routing.New(cap),
		cap:      cap,
		log:      cfg.Log,
		metaQ:    newMetadataQueue(),
		metaOut:  make(chan MetadataResult),
		inflight: make(chan struct{}, cfg.MetadataFetchWorkers),
		stop:     make(chan struct{}),
		peers:    make(map[InfoHash][]*peerwire.Session),
	}, nil
}

// LocalAddr returns the node's bound UDP endpoint.
func (n *Node) LocalAddr() net.Addr { return n.conn.LocalAddr() }

// Identity returns the node's real, never-transmitted node id.
func (n *Node) Identity() NodeID { return n.id.True() }

// Start launches the read loop, the metadata pump, and the dispatch loop.
// It returns immediately; the node runs until Stop is called.
func (n *Node) Start() error {
	packets := make(chan krpc.Packet, 64)
	pool := arena.New(krpc.MaxPacketSize, 256)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		krpc.ReadLoop(n.conn, packets, pool, n.stop, n.log)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.runMetadataPump()
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.loop(packets, pool)
	}()

	return nil
}

// Stop signals every node goroutine to exit and blocks until they have.
// Safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stop)
	})
	_ = n.conn.Close()
	n.wg.Wait()
}

// Metadata returns the channel completed fetches arrive on. The embedder
// must keep draining it; the internal queue feeding it is unbounded so a
// slow consumer never stalls the dispatch loop, but an embedder that stops
// reading entirely will leak memory into that queue.
func (n *Node) Metadata() <-chan MetadataResult { return n.metaOut }

// Stats returns a snapshot of the node's counters.
func (n *Node) Stats() Stats {
	return Stats{
		PacketsRecv:       totalPacketsRecv.Value(),
		PacketsDropped:    totalPacketsDropped.Value(),
		FindNodeSent:      totalFindNodeSent.Value(),
		GetPeersReplied:   totalGetPeersReplied.Value(),
		AnnouncePeerSeen:  totalAnnouncePeerSeen.Value(),
		AnnounceDropped:   totalAnnounceDropped.Value(),
		SessionsSpawned:   totalSessionsSpawned.Value(),
		SessionsSucceeded: totalSessionsSucceeded.Value(),
		SessionsFailed:    totalSessionsFailed.Value(),
		CongestionEvents:  totalCongestionEvents.Value(),
		ArenaStarvation:   arena.StarvationCount(),
		NeighbourCap:      n.cap.Value(),
		RoutingTableSize:  n.tbl.Len(),
	}
}

// runMetadataPump drains the internal unbounded queue onto the bounded,
// embedder-facing channel, blocking only on the embedder's own pace, never
// on the dispatch loop.
func (n *Node) runMetadataPump() {
	defer close(n.metaOut)
	for {
		item, ok := n.metaQ.pop(n.stop)
		if !ok {
			return
		}
		select {
		case n.metaOut <- item:
		case <-n.stop:
			return
		}
	}
}

// loop is the single-threaded cooperative dispatch core: every mutation of
// the routing table, the neighbour cap, and the peers table happens here,
// so none of those types need their own locking. Grounded on the teacher's
// (d *DHT) loop() select structure in _examples/STX5-dht/dht.go, narrowed to
// the Sybil's smaller event set.
func (n *Node) loop(packets <-chan krpc.Packet, pool arena.Arena) {
	tick := time.NewTicker(n.cfg.TickInterval)
	defer tick.Stop()
	growth := time.NewTicker(n.cfg.GrowthInterval)
	defer growth.Stop()
	secretRotate := time.NewTicker(n.cfg.SecretRotateInterval)
	defer secretRotate.Stop()

	sessionsDone := make(chan sessionDone, 32)

	for {
		select {
		case <-n.stop:
			return
		case pkt := <-packets:
			n.processPacket(pkt, sessionsDone)
			pool.Push(pkt.B)
		case <-tick.C:
			n.onTick()
		case <-growth.C:
			n.cap.Grow()
		case <-secretRotate.C:
			if err := n.id.RotateSecret(); err != nil {
				n.log.Errorf("sybildht: rotating token secret: %v", err)
			}
		case done := <-sessionsDone:
			n.onSessionDone(done)
		}
	}
}

// onTick runs spec.md §4.2's per-tick cycle, unconditionally, every tick:
// bootstrap against the hard-coded routers, send a forged find_node to
// every current neighbour, then wipe the table. Grounded on the original
// crawler's on_tick, which calls __bootstrap() and __make_neighbours()
// back to back on every tick regardless of table contents.
func (n *Node) onTick() {
	n.bootstrap()
	n.tbl.Each(func(id krpc.NodeID, addr krpc.NodeAddress) {
		forged := identity.Forge(id, n.id.True())
		raw := krpc.BuildFindNodeQuery(forged)
		if err := krpc.SendRaw(n.conn, addr, raw); err != nil {
			n.handleSendError(err)
			return
		}
		totalFindNodeSent.Add(1)
	})
	n.tbl.Clear()
}

// bootstrap resolves and queries the well-known routers, seeding the
// routing table for the next tick's refresh fan-out.
func (n *Node) bootstrap() {
	for _, host := range n.cfg.BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp4", host)
		if err != nil {
			n.log.Debugf("sybildht: resolving bootstrap node %s: %v", host, err)
			continue
		}
		forged := identity.Forge(n.id.True(), n.id.True())
		raw := krpc.BuildFindNodeQuery(forged)
		na := krpc.NodeAddress{IP: addr.IP, Port: addr.Port}
		if err := krpc.SendRaw(n.conn, na, raw); err != nil {
			n.handleSendError(err)
			continue
		}
		totalFindNodeSent.Add(1)
	}
}

// handleSendError feeds a UDP send failure into the congestion control
// loop: a permission-denied or no-buffer-space error shrinks the neighbour
// cap by 9/10, logging a warning once it drops below the configured floor;
// any other send error is only logged. Grounded on the original crawler's
// error_received(PermissionError) handler.
func (n *Node) handleSendError(err error) {
	if !errors.Is(err, syscall.EPERM) && !errors.Is(err, syscall.EACCES) && !errors.Is(err, syscall.ENOBUFS) {
		n.log.Debugf("sybildht: send error: %v", err)
		return
	}
	totalCongestionEvents.Add(1)
	if belowFloor := n.cap.Shrink(); belowFloor {
		n.log.Errorf("sybildht: neighbour cap shrunk below floor (now %d): %v", n.cap.Value(), err)
	} else {
		n.log.Debugf("sybildht: send error, shrinking neighbour cap to %d: %v", n.cap.Value(), err)
	}
}

// processPacket decodes one inbound datagram and dispatches it by shape.
// Anything unrecognised is dropped silently, per spec.md §7.
func (n *Node) processPacket(pkt krpc.Packet, sessionsDone chan<- sessionDone) {
	totalPacketsRecv.Add(1)
	msg, err := krpc.Decode(pkt.B)
	if err != nil {
		totalPacketsDropped.Add(1)
		n.log.Debugf("sybildht: dropping malformed packet from %v: %v", pkt.Raddr, err)
		return
	}
	switch {
	case msg.IsResponse():
		n.onFindNodeResponse(msg)
	case msg.IsGetPeers():
		n.onGetPeers(msg, pkt.Raddr)
	case msg.IsAnnouncePeer():
		n.onAnnouncePeer(msg, pkt.Raddr, sessionsDone)
	default:
		totalPacketsDropped.Add(1)
	}
}

// onFindNodeResponse feeds every compact node record in msg into the
// routing table, to be queried again (under a freshly forged id) on the
// next tick.
func (n *Node) onFindNodeResponse(msg krpc.Message) {
	for id, addr := range krpc.DecodeCompactNodes(msg.R.Nodes) {
		n.tbl.Add(id, addr)
	}
}

// onGetPeers replies with the forged id, an empty nodes list, and a freshly
// issued token. The Sybil never has real peer contacts to offer.
func (n *Node) onGetPeers(msg krpc.Message, remote net.UDPAddr) {
	forged := identity.Forge(krpc.NodeID(msg.A.Id), n.id.True())
	token := n.id.IssueToken(remote.IP, remote.Port, krpc.InfoHash(msg.A.InfoHash))
	reply := krpc.GetPeersReply(msg.T, forged, token)
	if err := krpc.Send(n.conn, krpc.NodeAddress{IP: remote.IP, Port: remote.Port}, reply); err != nil {
		n.handleSendError(err)
		return
	}
	totalGetPeersReplied.Add(1)
}

// onAnnouncePeer replies (the Sybil never validates the token), then, fan-out
// permitting, spawns a Disposable Peer against the announced address.
func (n *Node) onAnnouncePeer(msg krpc.Message, remote net.UDPAddr, sessionsDone chan<- sessionDone) {
	totalAnnouncePeerSeen.Add(1)
	forged := identity.Forge(krpc.NodeID(msg.A.Id), n.id.True())
	reply := krpc.AnnouncePeerReply(msg.T, forged)
	if err := krpc.Send(n.conn, krpc.NodeAddress{IP: remote.IP, Port: remote.Port}, reply); err != nil {
		n.handleSendError(err)
	}

	ih := InfoHash(msg.A.InfoHash)
	if n.cfg.CompleteInfoHashes.Has(ih) {
		totalAnnounceDropped.Add(1)
		return
	}
	if len(n.peers[ih]) >= DefaultMaxActivePeersPerInfoHash {
		totalAnnounceDropped.Add(1)
		return
	}
	addr := msg.AnnouncedAddress(remote)
	n.spawnSession(ih, addr, sessionsDone)
}

// spawnSession starts a Disposable Peer against addr for ih, bounded by the
// configured total concurrency; it never blocks the dispatch loop waiting
// for a free slot — if the pool is saturated the announce is simply
// dropped, same as any other fan-out-cap rejection.
func (n *Node) spawnSession(ih InfoHash, addr krpc.NodeAddress, sessionsDone chan<- sessionDone) {
	select {
	case n.inflight <- struct{}{}:
	default:
		totalAnnounceDropped.Add(1)
		return
	}

	session := peerwire.NewSession(ih, addr, n.cfg.MaxMetadataSize, n.log)
	n.peers[ih] = append(n.peers[ih], session)
	totalSessionsSpawned.Add(1)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() { <-n.inflight }()
		_, metadata, ok := session.Fetch()
		select {
		case sessionsDone <- sessionDone{ih: ih, session: session, result: metadata, ok: ok}:
		case <-n.stop:
		}
	}()
}

// onSessionDone removes session from the peers table and, on success,
// closes every sibling session for the same info-hash, records the
// info-hash as complete, and enqueues the result for the embedder.
// Grounded on spec.md §4.4/§4.5's "insert into complete set, close
// siblings" sequence.
func (n *Node) onSessionDone(done sessionDone) {
	n.pruneSession(done.ih, done.session)

	if !done.ok {
		totalSessionsFailed.Add(1)
		return
	}
	totalSessionsSucceeded.Add(1)

	for _, sibling := range n.peers[done.ih] {
		sibling.Close()
	}
	delete(n.peers, done.ih)

	n.cfg.CompleteInfoHashes.Add(done.ih)
	n.metaQ.push(MetadataResult{InfoHash: done.ih, Metadata: done.result})
}

func (n *Node) pruneSession(ih InfoHash, session *peerwire.Session) {
	sessions := n.peers[ih]
	for i, s := range sessions {
		if s == session {
			sessions = append(sessions[:i], sessions[i+1:]...)
			break
		}
	}
	if len(sessions) == 0 {
		delete(n.peers, ih)
		return
	}
	n.peers[ih] = sessions
}
