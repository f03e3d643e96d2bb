// nodelinkctl is the operator CLI: it drives a running nodelinkd's console
// over its serial port, or spins up a local simulation node for bench work.
package main

import "github.com/relaymesh/nodelink/cmd/nodelinkctl/cmd"

func main() {
	cmd.Execute()
}
