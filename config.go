package sybildht

import (
	"flag"
	"time"

	"sybildht/logger"
	"sybildht/peerwire"
	"sybildht/routing"
)

// CompleteSet is the embedder-supplied (or default) record of info-hashes
// already fully fetched. Has/Add must be safe for concurrent use: the
// dispatch goroutine calls Add on every successful fetch while an embedder
// may pre-seed or inspect the set from its own goroutine at the same time
// (spec.md §5).
type CompleteSet interface {
	Has(ih InfoHash) bool
	Add(ih InfoHash)
}

// Config collects everything New needs to build a Node. Zero-value fields
// are replaced by the documented defaults, following the teacher's
// NewConfig()-fills-the-gaps convention in _examples/STX5-dht/dht.go.
type Config struct {
	// BindAddress/BindPort is the local UDP4 endpoint the Sybil listens and
	// sends on. BindPort 0 lets the OS choose.
	BindAddress string
	BindPort    int

	// CompleteInfoHashes is mutated on every successful metadata fetch. A
	// nil value gets a fresh in-memory NewCompleteSet().
	CompleteInfoHashes CompleteSet

	// MaxMetadataSize bounds the advertised metadata_size a Disposable Peer
	// will accept before giving up on a peer as hostile/broken.
	MaxMetadataSize int

	// TickInterval governs the bootstrap/refresh/clear cadence (spec.md
	// §4.2). Default 1s.
	TickInterval time.Duration
	// GrowthInterval governs the neighbour cap's slow reclaim (spec.md
	// §4.3). Default 10s.
	GrowthInterval time.Duration
	// SecretRotateInterval governs how often the Sybil's token-issuing
	// secret is replaced (spec.md §4.2 expansion). Default 5m, mirroring
	// the teacher's secretRotatePeriod.
	SecretRotateInterval time.Duration
	// InitialNeighbourCap is the starting neighbour population ceiling.
	// Default 2000.
	InitialNeighbourCap int
	// CongestionFloor is the threshold below which a Shrink logs a
	// warning. Default 200.
	CongestionFloor int

	// BootstrapNodes are sent a find_node on every tick, whatever the
	// routing table holds. Defaults to the two well-known routers.
	BootstrapNodes []string

	// MetadataFetchWorkers bounds how many Disposable Peer sessions the
	// node may run concurrently in total, independent of the per-info-hash
	// fan-out cap (expansion: the teacher exposes an analogous
	// maxNeighbors-style ceiling rather than leaving goroutine spawn
	// unbounded).
	MetadataFetchWorkers int

	Log logger.DebugLogger
}

const (
	// DefaultTickInterval is spec.md §4.2's per-tick cadence.
	DefaultTickInterval = 1 * time.Second
	// DefaultGrowthInterval is spec.md §4.3's neighbour cap reclaim period.
	DefaultGrowthInterval = 10 * time.Second
	// DefaultSecretRotateInterval mirrors the teacher's secretRotatePeriod
	// for token-secret rotation.
	DefaultSecretRotateInterval = 5 * time.Minute
	// DefaultInitialNeighbourCap matches the original crawler's starting
	// ceiling.
	DefaultInitialNeighbourCap = 2000
	// DefaultCongestionFloor is the warn-below threshold carried from the
	// original crawler.
	DefaultCongestionFloor = 200
	// DefaultMaxActivePeersPerInfoHash is the Disposable Peer fan-out cap
	// (spec.md §3 invariant, §4.4).
	DefaultMaxActivePeersPerInfoHash = 5
	// DefaultMetadataFetchWorkers bounds total concurrent Disposable Peer
	// goroutines across all info-hashes.
	DefaultMetadataFetchWorkers = 256
)

// DefaultBootstrapNodes are the two well-known Mainline DHT routers the
// node queries on every tick.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// NewConfig returns a Config with every field at its documented default,
// ready for an embedder to override selectively.
func NewConfig() Config {
	return Config{
		BindAddress:          "0.0.0.0",
		BindPort:             0,
		MaxMetadataSize:      peerwire.DefaultMaxMetadataSize,
		TickInterval:         DefaultTickInterval,
		GrowthInterval:       DefaultGrowthInterval,
		SecretRotateInterval: DefaultSecretRotateInterval,
		InitialNeighbourCap:  DefaultInitialNeighbourCap,
		CongestionFloor:      DefaultCongestionFloor,
		BootstrapNodes:       append([]string(nil), DefaultBootstrapNodes...),
		MetadataFetchWorkers: DefaultMetadataFetchWorkers,
		Log:                  logger.NullLogger{},
	}
}

// RegisterFlags binds cfg's fields to command-line flags under fs, mirroring
// _examples/STX5-dht/dht.go's Config.RegisterFlags. Intended for the example
// embedder (cmd/crawl), not required for library use.
func (cfg *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&cfg.BindAddress, "bind-address", cfg.BindAddress, "local UDP4 address to listen on")
	fs.IntVar(&cfg.BindPort, "bind-port", cfg.BindPort, "local UDP4 port to listen on (0 = OS-assigned)")
	fs.IntVar(&cfg.MaxMetadataSize, "max-metadata-size", cfg.MaxMetadataSize, "largest metadata_size a Disposable Peer will accept")
	fs.DurationVar(&cfg.TickInterval, "tick-interval", cfg.TickInterval, "bootstrap/refresh/clear cadence")
	fs.DurationVar(&cfg.GrowthInterval, "growth-interval", cfg.GrowthInterval, "neighbour cap growth cadence")
	fs.DurationVar(&cfg.SecretRotateInterval, "secret-rotate-interval", cfg.SecretRotateInterval, "token-issuing secret rotation cadence")
	fs.IntVar(&cfg.InitialNeighbourCap, "initial-neighbour-cap", cfg.InitialNeighbourCap, "starting neighbour population ceiling")
	fs.IntVar(&cfg.CongestionFloor, "congestion-floor", cfg.CongestionFloor, "neighbour cap floor below which a shrink logs a warning")
	fs.IntVar(&cfg.MetadataFetchWorkers, "metadata-fetch-workers", cfg.MetadataFetchWorkers, "max concurrent Disposable Peer sessions")
}

func (cfg Config) withDefaults() Config {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.GrowthInterval <= 0 {
		cfg.GrowthInterval = DefaultGrowthInterval
	}
	if cfg.SecretRotateInterval <= 0 {
		cfg.SecretRotateInterval = DefaultSecretRotateInterval
	}
	if cfg.InitialNeighbourCap <= 0 {
		cfg.InitialNeighbourCap = DefaultInitialNeighbourCap
	}
	if cfg.CongestionFloor <= 0 {
		cfg.CongestionFloor = DefaultCongestionFloor
	}
	if cfg.MaxMetadataSize <= 0 {
		cfg.MaxMetadataSize = peerwire.DefaultMaxMetadataSize
	}
	if cfg.MetadataFetchWorkers <= 0 {
		cfg.MetadataFetchWorkers = DefaultMetadataFetchWorkers
	}
	if len(cfg.BootstrapNodes) == 0 {
		cfg.BootstrapNodes = append([]string(nil), DefaultBootstrapNodes...)
	}
	if cfg.CompleteInfoHashes == nil {
		cfg.CompleteInfoHashes = NewCompleteSet()
	}
	if cfg.Log == nil {
		cfg.Log = logger.NullLogger{}
	}
	return cfg
}

// newCap builds the routing.Cap for this config.
func (cfg Config) newCap() *routing.Cap {
	return routing.NewCap(cfg.InitialNeighbourCap, cfg.CongestionFloor)
}
