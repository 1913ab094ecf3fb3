package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gokrazy/ubuntu-image/internal/datasizes"
)

const testGadget = `
volumes:
  pc:
    bootloader: grub
    schema: gpt
    structure:
      - name: EFI System
        type: EF,C12A7328-F81F-11D2-BA4B-00A0C93EC93B
        filesystem: vfat
        filesystem-label: system-boot
        offset: 1M
        size: 4M
        content:
          - source: grubx64.efi
            target: EFI/boot/grubx64.efi
`

// buildRunner fakes every external tool. `snap prepare-image` materializes
// a small unpack tree; mkfs invocations stamp a recognizable marker into
// the image file so that assembled disk images have observable content.
type buildRunner struct {
	calls       []string
	rootfsBytes int
	failOn      func(line string) bool
}

func (r *buildRunner) Run(cmd string, args ...string) error {
	return r.RunEnv(nil, cmd, args...)
}

func (r *buildRunner) RunEnv(env []string, cmd string, args ...string) error {
	line := cmd + " " + strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if r.failOn != nil && r.failOn(line) {
		return fmt.Errorf("running %s: exit status 1", cmd)
	}
	switch {
	case cmd == "snap" && args[0] == "prepare-image":
		unpackdir := args[len(args)-1]
		return r.fakePrepare(unpackdir)
	case cmd == "mkfs.vfat":
		return stamp(args[len(args)-1], "FAKEFAT")
	case cmd == "mkfs.ext4":
		return stamp(args[len(args)-1], "FAKEEXT4")
	}
	return nil
}

func (r *buildRunner) fakePrepare(unpackdir string) error {
	files := map[string][]byte{
		"image/var/lib/snapd/state.json": bytes.Repeat([]byte{0x42}, r.rootfsBytes),
		"image/boot/grub/grub.cfg":       []byte("set default=0\n"),
		"image/boot/grub/grubenv":        []byte("# GRUB Environment Block\n"),
		"gadget/meta/gadget.yaml":        []byte(testGadget),
		"gadget/grubx64.efi":             []byte("fake efi payload"),
	}
	for name, content := range files {
		path := filepath.Join(unpackdir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, content, 0644); err != nil {
			return err
		}
	}
	return nil
}

// stamp overwrites the start of an image file with a marker, standing in
// for real formatting.
func stamp(img, marker string) error {
	f, err := os.OpenFile(img, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(marker), 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *buildRunner) callsWithPrefix(prefix string) []string {
	var out []string
	for _, call := range r.calls {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}

func testOpts(t *testing.T, run *buildRunner) Opts {
	t.Helper()
	workdir := t.TempDir()
	return Opts{
		ModelAssertion: "model.assertion",
		Workdir:        workdir,
		Output:         filepath.Join(workdir, "out.img"),
		ImageSize:      16 * datasizes.MiB,
		Runner:         run,
	}
}

func TestFullBuild(t *testing.T) {
	run := &buildRunner{rootfsBytes: 1024}
	opts := testOpts(t, run)
	b, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, b.Run())

	data, err := os.ReadFile(opts.Output)
	require.NoError(t, err)
	require.Equal(t, int64(16*datasizes.MiB), int64(len(data)))

	// vfat partition content at 1MiB, writable root at 5MiB.
	assert.Equal(t, "FAKEFAT", string(data[1*datasizes.MiB:1*datasizes.MiB+7]))
	assert.Equal(t, "FAKEEXT4", string(data[5*datasizes.MiB:5*datasizes.MiB+8]))

	// Terminal state removed the checkpoint.
	assert.NoFileExists(t, filepath.Join(opts.Workdir, checkpointFile))

	// One prepare-image invocation, channel-less.
	prepares := run.callsWithPrefix("snap prepare-image")
	require.Len(t, prepares, 1)
}

func TestResumeSkipsCompletedStates(t *testing.T) {
	run := &buildRunner{rootfsBytes: 1024}
	opts := testOpts(t, run)
	opts.Thru = "calculate_bootfs_size"
	b, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, b.Run())
	require.FileExists(t, filepath.Join(opts.Workdir, checkpointFile))

	// Resume with a runner that refuses prepare-image: completed states
	// must not run again.
	resumeRun := &buildRunner{
		rootfsBytes: 1024,
		failOn: func(line string) bool {
			return strings.HasPrefix(line, "snap prepare-image")
		},
	}
	opts2 := opts
	opts2.Thru = ""
	opts2.Runner = resumeRun
	b2, err := Resume(opts2)
	require.NoError(t, err)
	require.NoError(t, b2.Run())

	assert.Empty(t, resumeRun.callsWithPrefix("snap"))
	resumed, err := os.ReadFile(opts.Output)
	require.NoError(t, err)

	// An uninterrupted build over identical inputs yields identical bytes.
	refRun := &buildRunner{rootfsBytes: 1024}
	refOpts := testOpts(t, refRun)
	ref, err := New(refOpts)
	require.NoError(t, err)
	require.NoError(t, ref.Run())
	uninterrupted, err := os.ReadFile(refOpts.Output)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(resumed, uninterrupted), "resumed image differs from uninterrupted build")
}

func TestUntilStopsBeforeState(t *testing.T) {
	run := &buildRunner{rootfsBytes: 1024}
	opts := testOpts(t, run)
	opts.Until = "prepare_image"
	b, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, b.Run())

	assert.Empty(t, run.callsWithPrefix("snap"))
	require.FileExists(t, filepath.Join(opts.Workdir, checkpointFile))

	b2, err := Resume(Opts{Workdir: opts.Workdir, Runner: run})
	require.NoError(t, err)
	assert.Equal(t, "prepare_image", b2.nextStateName())
}

func TestInsufficientSpaceAbortsBeforeImages(t *testing.T) {
	// 5MiB of raw rootfs estimates to 7.5MiB, but only
	// (8MiB - 5MiB - 4KiB)/MiB = 2MiB remain.
	run := &buildRunner{rootfsBytes: 5 * int(datasizes.MiB)}
	opts := testOpts(t, run)
	opts.ImageSize = 8 * datasizes.MiB
	b, err := New(opts)
	require.NoError(t, err)

	err = b.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, datasizes.ErrInsufficientSpace)
	assert.Contains(t, err.Error(), "state prepare_filesystems")
	assert.NoDirExists(t, filepath.Join(opts.Workdir, ".images"))

	// The checkpoint still points at the failing state, so the build can
	// be retried after freeing space.
	b2, err := Resume(Opts{Workdir: opts.Workdir, Runner: run})
	require.NoError(t, err)
	assert.Equal(t, "prepare_filesystems", b2.nextStateName())
}

func TestStateFailureKeepsCheckpoint(t *testing.T) {
	run := &buildRunner{
		rootfsBytes: 1024,
		failOn: func(line string) bool {
			return strings.HasPrefix(line, "mkfs.vfat")
		},
	}
	opts := testOpts(t, run)
	b, err := New(opts)
	require.NoError(t, err)

	err = b.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state populate_filesystems")

	b2, err := Resume(Opts{Workdir: opts.Workdir, Runner: run})
	require.NoError(t, err)
	assert.Equal(t, "populate_filesystems", b2.nextStateName())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Opts{})
	assert.ErrorContains(t, err, "model assertion")

	_, err = New(Opts{ModelAssertion: "m", Until: "no_such_state", Workdir: "w"})
	assert.ErrorContains(t, err, "unknown state")

	_, err = New(Opts{ModelAssertion: "m", Thru: "finish"})
	assert.ErrorContains(t, err, "require --workdir")

	_, err = Resume(Opts{})
	assert.ErrorContains(t, err, "--workdir")
}

func TestMultipleVolumesRejected(t *testing.T) {
	run := &buildRunner{rootfsBytes: 64}
	opts := testOpts(t, run)
	opts.Thru = "prepare_image"
	b, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, b.Run())

	// Swap in a two-volume gadget before load_gadget_yaml runs.
	twoVolumes := strings.Replace(testGadget, "volumes:\n  pc:", "volumes:\n  other:\n    structure:\n      - {name: x, type: \"C12A7328-F81F-11D2-BA4B-00A0C93EC93B\", offset: 1M, size: 1M}\n  pc:", 1)
	gadgetPath := filepath.Join(opts.Workdir, "unpack", "gadget", "meta", "gadget.yaml")
	require.NoError(t, os.WriteFile(gadgetPath, []byte(twoVolumes), 0644))

	b2, err := Resume(Opts{Workdir: opts.Workdir, Runner: run})
	require.NoError(t, err)
	err = b2.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one volume")
}
