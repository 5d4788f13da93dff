// Command ftcoll runs fault-tolerant collectives: a tree reduction and a
// heartbeat-monitored bag of tasks, in one process or across a NATS bus.
package main

import (
	"fmt"
	"os"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
