// Command crawl is a minimal embedder of the sybildht crawler: it starts a
// node, prints every fetched (info_hash, length) pair as it arrives, and
// runs until interrupted. Mirrors
// _examples/STX5-dht/examples/find_infohash_and_wait/main.go's role as a
// thin demonstration of the library, not a feature of the library itself.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sybildht"
	"sybildht/logger"
)

func main() {
	cfg := sybildht.NewConfig()
	cfg.Log = logger.StdLogger{}
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	node, err := sybildht.New(cfg)
	if err != nil {
		log.Fatalf("crawl: %v", err)
	}
	if err := node.Start(); err != nil {
		log.Fatalf("crawl: starting node: %v", err)
	}
	log.Printf("crawl: listening on %v", node.LocalAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for result := range node.Metadata() {
			fmt.Printf("%s %d\n", result.InfoHash, len(result.Metadata))
		}
	}()

	<-sig
	node.Stop()
	<-done
}
