// Package cli is the cobra command tree of the ubuntu-image binary.
package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gokrazy/ubuntu-image/internal/version"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:     "ubuntu-image",
	Version: version.Read(),
	Short:   "build a bootable disk image from a model assertion",
	Long: `ubuntu-image turns a model assertion and its gadget's partition layout
into a single bootable, partitioned disk image. Builds are checkpointed
after every step, so an interrupted build can be resumed with --resume
instead of repeating slow privileged work.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging, including every external command line")
	rootCmd.AddCommand(snapCmd)
}
