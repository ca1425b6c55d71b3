package sybildht

import "expvar"

// Counters published under expvar, mirroring the teacher's habit of
// exposing every interesting wire event as a package-level expvar.Int so an
// embedder can scrape /debug/vars without the crawler knowing anything
// about HTTP.
var (
	totalPacketsRecv       = expvar.NewInt("sybildht.totalPacketsRecv")
	totalPacketsDropped    = expvar.NewInt("sybildht.totalPacketsDropped")
	totalFindNodeSent      = expvar.NewInt("sybildht.totalFindNodeSent")
	totalGetPeersReplied   = expvar.NewInt("sybildht.totalGetPeersReplied")
	totalAnnouncePeerSeen  = expvar.NewInt("sybildht.totalAnnouncePeerSeen")
	totalAnnounceDropped   = expvar.NewInt("sybildht.totalAnnounceDropped")
	totalSessionsSpawned   = expvar.NewInt("sybildht.totalSessionsSpawned")
	totalSessionsSucceeded = expvar.NewInt("sybildht.totalSessionsSucceeded")
	totalSessionsFailed    = expvar.NewInt("sybildht.totalSessionsFailed")
	totalCongestionEvents  = expvar.NewInt("sybildht.totalCongestionEvents")
)
