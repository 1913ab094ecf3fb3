// Binary ubuntu-image builds a bootable, partitioned disk image for a
// snap-based appliance OS from a model assertion and the partition layout
// declared by its gadget.
package main

import "github.com/gokrazy/ubuntu-image/internal/cli"

func main() {
	cli.Execute()
}
