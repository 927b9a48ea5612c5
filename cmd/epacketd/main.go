// Command epacketd is a small demonstration binary that wires a dummy
// transport through the pipeline in device or gateway mode, per
// SPEC_FULL.md's CLI expansion, grounded on dantte-lp-gobfd's cmd/gobfd
// and cmd/gobfdctl layout.
package main

import (
	"github.com/embeint/epacket/cmd/epacketd/commands"
)

func main() {
	commands.Execute()
}
