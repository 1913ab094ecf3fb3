// Package pipeline drives the image build as a resumable, strictly ordered
// state machine. Each state performs one unit of (often privileged, often
// slow) work against a shared build context; after every completed state a
// checkpoint of (next state, context) is persisted, so a crashed or
// interrupted build can continue without redoing expensive steps.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"github.com/gokrazy/ubuntu-image/internal/datasizes"
	"github.com/gokrazy/ubuntu-image/internal/gadget"
	"github.com/gokrazy/ubuntu-image/internal/runner"
)

const checkpointFile = ".ubuntu-image.json"

// Opts configures a build. Zero values get defaults in New.
type Opts struct {
	ModelAssertion string
	Channel        string
	Workdir        string // empty: private temp dir, removed on success
	Output         string // empty: <workdir>/disk.img
	ImageSize      int64  // total disk image size, default 4 GiB
	ReservedTail   int64  // bytes kept free for backup GPT structures, default 4096

	// Until stops before the named state, Thru after it; both leave the
	// checkpoint behind for a later resume and require an explicit
	// workdir.
	Until string
	Thru  string

	Runner runner.Runner
}

// Context is the state shared between pipeline states. Each state reads
// only fields populated by earlier states and writes the fields it owns;
// the whole struct is what gets checkpointed.
type Context struct {
	ModelAssertion string `json:"model_assertion"`
	Channel        string `json:"channel,omitempty"`
	ImageSize      int64  `json:"image_size"`
	ReservedTail   int64  `json:"reserved_tail"`

	Workdir     string           `json:"workdir"`
	TempWorkdir bool             `json:"temp_workdir"`
	Output      string           `json:"output"`
	Unpackdir   string           `json:"unpackdir,omitempty"`
	Rootfs      string           `json:"rootfs,omitempty"`
	RootfsSize  int64            `json:"rootfs_size,omitempty"`
	Bootfs      string           `json:"bootfs,omitempty"`
	BootfsSizes map[string]int64 `json:"bootfs_sizes,omitempty"`
	ImagesDir   string           `json:"images_dir,omitempty"`
	PartImages  []string         `json:"part_images,omitempty"`
	RootImg     string           `json:"root_img,omitempty"`
	RootSizeMiB int64            `json:"root_size_mib,omitempty"`
	DiskImg     string           `json:"disk_img,omitempty"`
	GadgetYAML  string           `json:"gadget_yaml,omitempty"`
}

type checkpoint struct {
	Next     int     `json:"next"`
	NextName string  `json:"next_name"`
	Context  Context `json:"context"`
}

type state struct {
	name string
	fn   func(*Builder) error
}

// Builder owns the build context and walks the state chain.
type Builder struct {
	opts   Opts
	ctx    Context
	run    runner.Runner
	spec   *gadget.Spec
	volume *gadget.Volume

	states []state
	cursor int
}

func stateChain() []state {
	return []state{
		{"make_temp_dirs", (*Builder).makeTempDirs},
		{"prepare_image", (*Builder).prepareImage},
		{"load_gadget_yaml", (*Builder).loadGadgetYAML},
		{"populate_rootfs_contents", (*Builder).populateRootfsContents},
		{"calculate_rootfs_size", (*Builder).calculateRootfsSize},
		{"pre_stage_bootfs", (*Builder).preStageBootfs},
		{"stage_bootfs_contents", (*Builder).stageBootfsContents},
		{"calculate_bootfs_size", (*Builder).calculateBootfsSize},
		{"prepare_filesystems", (*Builder).prepareFilesystems},
		{"populate_filesystems", (*Builder).populateFilesystems},
		{"assemble_disk", (*Builder).assembleDisk},
		{"finish", (*Builder).finish},
	}
}

// StateNames lists the pipeline states in execution order, for CLI help
// and --until/--thru validation.
func StateNames() []string {
	chain := stateChain()
	names := make([]string, len(chain))
	for i, st := range chain {
		names[i] = st.name
	}
	return names
}

func stateIndex(name string) int {
	for i, st := range stateChain() {
		if st.name == name {
			return i
		}
	}
	return -1
}

// New validates opts and sets up a fresh build at the first state.
func New(opts Opts) (*Builder, error) {
	if opts.ModelAssertion == "" {
		return nil, fmt.Errorf("model assertion is required")
	}
	if err := applyDefaults(&opts); err != nil {
		return nil, err
	}

	b := &Builder{
		opts:   opts,
		run:    opts.Runner,
		states: stateChain(),
	}
	b.ctx.ModelAssertion = opts.ModelAssertion
	b.ctx.Channel = opts.Channel
	b.ctx.ImageSize = opts.ImageSize
	b.ctx.ReservedTail = opts.ReservedTail
	b.ctx.Output = opts.Output
	if opts.Workdir == "" {
		tmp, err := os.MkdirTemp("", "ubuntu-image")
		if err != nil {
			return nil, err
		}
		b.ctx.Workdir = tmp
		b.ctx.TempWorkdir = true
	} else {
		if err := os.MkdirAll(opts.Workdir, 0755); err != nil {
			return nil, err
		}
		b.ctx.Workdir = opts.Workdir
	}
	if b.ctx.Output == "" {
		if b.ctx.TempWorkdir {
			// The temp workdir is removed on success; the image has
			// to land outside it.
			b.ctx.Output = "disk.img"
		} else {
			b.ctx.Output = filepath.Join(b.ctx.Workdir, "disk.img")
		}
	}
	return b, nil
}

// Resume reconstructs a build from the checkpoint in opts.Workdir and
// continues at the recorded next state.
func Resume(opts Opts) (*Builder, error) {
	if opts.Workdir == "" {
		return nil, fmt.Errorf("resuming requires --workdir")
	}
	if err := applyDefaults(&opts); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(opts.Workdir, checkpointFile))
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	b := &Builder{
		opts:   opts,
		run:    opts.Runner,
		states: stateChain(),
		ctx:    cp.Context,
		cursor: cp.Next,
	}
	if b.cursor < 0 || b.cursor > len(b.states) {
		return nil, fmt.Errorf("checkpoint next state %d out of range", cp.Next)
	}
	// The parsed layout is not serialized; reparse it when the recorded
	// progress is past the state that loaded it.
	if b.cursor > stateIndex("load_gadget_yaml") && b.ctx.GadgetYAML != "" {
		if err := b.loadVolume(); err != nil {
			return nil, err
		}
	}
	logrus.WithField("state", b.nextStateName()).Info("resuming build")
	return b, nil
}

func applyDefaults(opts *Opts) error {
	if opts.ImageSize == 0 {
		opts.ImageSize = 4 * datasizes.GiB
	}
	if opts.ReservedTail == 0 {
		opts.ReservedTail = 4096
	}
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}
	for _, name := range []string{opts.Until, opts.Thru} {
		if name != "" && stateIndex(name) == -1 {
			return fmt.Errorf("unknown state %q (states: %v)", name, StateNames())
		}
	}
	if (opts.Until != "" || opts.Thru != "") && opts.Workdir == "" {
		return fmt.Errorf("--until/--thru require --workdir, the checkpoint must outlive the process")
	}
	return nil
}

func (b *Builder) nextStateName() string {
	if b.cursor >= len(b.states) {
		return "done"
	}
	return b.states[b.cursor].name
}

// Output returns the path the finished disk image is written to.
func (b *Builder) Output() string {
	return b.ctx.Output
}

// Run executes states from the current cursor until the chain completes or
// a stop condition is hit. A failing state halts the build without
// advancing; the last checkpoint stays valid for a resume attempt.
func (b *Builder) Run() error {
	for b.cursor < len(b.states) {
		st := b.states[b.cursor]
		if b.opts.Until == st.name {
			logrus.Infof("stopping before state %s", st.name)
			return b.saveCheckpoint()
		}
		logrus.WithField("state", st.name).Info("running")
		start := time.Now()
		if err := st.fn(b); err != nil {
			return fmt.Errorf("state %s: %w", st.name, err)
		}
		b.cursor++
		if err := b.saveCheckpoint(); err != nil {
			return err
		}
		logrus.WithField("state", st.name).Infof("done in %.2fs", time.Since(start).Seconds())
		if b.opts.Thru == st.name {
			logrus.Infof("stopping after state %s", st.name)
			return nil
		}
	}
	return b.close()
}

// close is the terminal transition: the checkpoint has served its purpose
// and a temporary workdir is no longer needed.
func (b *Builder) close() error {
	if err := os.Remove(filepath.Join(b.ctx.Workdir, checkpointFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if b.ctx.TempWorkdir {
		if err := os.RemoveAll(b.ctx.Workdir); err != nil {
			return err
		}
	}
	logrus.Infof("image written to %s", b.ctx.Output)
	return nil
}

func (b *Builder) saveCheckpoint() error {
	cp := checkpoint{
		Next:     b.cursor,
		NextName: b.nextStateName(),
		Context:  b.ctx,
	}
	raw, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(b.ctx.Workdir, checkpointFile), raw, 0644)
}

// loadVolume parses the layout specification and enforces the single-volume
// assumption.
func (b *Builder) loadVolume() error {
	spec, err := gadget.ParseFile(b.ctx.GadgetYAML)
	if err != nil {
		return err
	}
	if n := len(spec.Volumes); n != 1 {
		return fmt.Errorf("exactly one volume is supported, gadget.yaml declares %d", n)
	}
	b.spec = spec
	for _, vol := range spec.Volumes {
		b.volume = vol
	}
	return nil
}
