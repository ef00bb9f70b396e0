// Command federate performs one startup exchange against a running
// RTI: it proposes an earliest feasible start instant and prints the
// agreed start time the federation settled on.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ReactorMesh/federation-rti/internal/federate"
)

func main() {
	var (
		addr    = flag.String("rti", "localhost:55001", "RTI address (host:port)")
		propose = flag.Int64("propose", 0, "proposed start instant in nanoseconds since the Unix epoch (default: now)")
		timeout = flag.Duration("timeout", 30*time.Second, "overall exchange timeout")
	)
	flag.Parse()

	proposal := *propose
	if proposal == 0 {
		proposal = time.Now().UnixNano()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &federate.Client{Addr: *addr}
	agreed, err := client.Negotiate(ctx, proposal)
	if err != nil {
		fmt.Fprintf(os.Stderr, "federate: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(agreed)
}
