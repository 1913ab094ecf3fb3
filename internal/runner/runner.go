// Package runner executes the external tools (mkfs, mcopy, sgdisk, mount,
// snap) the image build shells out to. Keeping execution behind a small
// interface lets tests record invocations and inject failures without
// requiring root or the tools themselves.
package runner

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

type Runner interface {
	// Run executes cmd with args, inheriting stdout/stderr. A non-zero
	// exit status is returned as an error.
	Run(cmd string, args ...string) error

	// RunEnv is Run with additional environment variables of the form
	// KEY=value appended to the current environment.
	RunEnv(env []string, cmd string, args ...string) error
}

// Exec runs commands on the host.
type Exec struct{}

func (r Exec) Run(cmd string, args ...string) error {
	return r.RunEnv(nil, cmd, args...)
}

func (r Exec) RunEnv(env []string, cmd string, args ...string) error {
	logrus.Debugf("+ %s %s", cmd, strings.Join(args, " "))
	c := exec.Command(cmd, args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if len(env) > 0 {
		c.Env = append(os.Environ(), env...)
	}
	if err := c.Run(); err != nil {
		return fmt.Errorf("running %s: %w", cmd, err)
	}
	return nil
}
