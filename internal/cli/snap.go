package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gokrazy/ubuntu-image/internal/datasizes"
	"github.com/gokrazy/ubuntu-image/internal/pipeline"
)

// snapCmd is ubuntu-image snap.
var snapCmd = &cobra.Command{
	Use:   "snap <model.assertion>",
	Short: "Build a snap-based disk image from a model assertion",
	Long: `Build a snap-based disk image from a model assertion.

The model assertion is handed to snap prepare-image, the gadget's
partition layout is read from the resulting gadget.yaml, and every
declared structure plus a final writable root partition is assembled
into one disk image.

Examples:
  # Build pc.model into /tmp/pc/disk.img, keeping the work directory:
  % ubuntu-image snap --workdir /tmp/pc pc.model

  # Continue an interrupted build:
  % ubuntu-image snap --workdir /tmp/pc --resume
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return snapImpl.run(args, cmd.OutOrStdout(), cmd.OutOrStderr())
	},
}

type snapImplConfig struct {
	workdir   string
	output    string
	channel   string
	imageSize string
	resume    bool
	until     string
	thru      string
}

var snapImpl snapImplConfig

func init() {
	snapCmd.Flags().StringVarP(&snapImpl.workdir, "workdir", "w", "", "directory to keep intermediate build state in (default: a private temp dir, removed on success)")
	snapCmd.Flags().StringVarP(&snapImpl.output, "output", "o", "", "path of the resulting disk image (default: <workdir>/disk.img, or ./disk.img without --workdir)")
	snapCmd.Flags().StringVarP(&snapImpl.channel, "channel", "c", "", "snap channel to pass to snap prepare-image")
	snapCmd.Flags().StringVarP(&snapImpl.imageSize, "image-size", "", "4G", "total size of the disk image, e.g. 4G or 3072M")
	snapCmd.Flags().BoolVarP(&snapImpl.resume, "resume", "r", false, "continue the checkpointed build in --workdir")
	snapCmd.Flags().StringVarP(&snapImpl.until, "until", "u", "", "run the build up to, but not through, the given state ("+stateList()+")")
	snapCmd.Flags().StringVarP(&snapImpl.thru, "thru", "t", "", "run the build through the given state, then stop")
}

func stateList() string {
	return strings.Join(pipeline.StateNames(), ", ")
}

func (r *snapImplConfig) run(args []string, stdout, stderr io.Writer) error {
	size, err := datasizes.ParseSize(r.imageSize)
	if err != nil {
		return fmt.Errorf("--image-size: %v", err)
	}
	opts := pipeline.Opts{
		Channel:   r.channel,
		Workdir:   r.workdir,
		Output:    r.output,
		ImageSize: size,
		Until:     r.until,
		Thru:      r.thru,
	}

	var b *pipeline.Builder
	if r.resume {
		if len(args) > 0 {
			return fmt.Errorf("--resume takes no model assertion, it is recorded in the checkpoint")
		}
		b, err = pipeline.Resume(opts)
	} else {
		if len(args) != 1 {
			return fmt.Errorf("exactly one model assertion is required")
		}
		opts.ModelAssertion = args[0]
		b, err = pipeline.New(opts)
	}
	if err != nil {
		return err
	}
	return b.Run()
}
