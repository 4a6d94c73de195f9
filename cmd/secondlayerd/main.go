// Streams pipeline daemon.
//
// Runs any combination of the indexer, delivery worker, and view
// processor in one process, selected via RUN_INDEXER / RUN_WORKER /
// RUN_VIEWS. All configuration comes from the environment; DATABASE_URL
// is required.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/secondlayer/streams/config"
	"github.com/secondlayer/streams/internal/node"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-n.Err():
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	n.Stop()
}
