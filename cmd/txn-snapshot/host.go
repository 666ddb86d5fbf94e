package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/grid-x/txn-snapshot/pkg/config"
	"github.com/grid-x/txn-snapshot/pkg/snapshot"
)

// commandTransaction is a package manager invocation wrapped by the run
// command. It is pending when there is a command to run.
type commandTransaction struct {
	args []string
}

func (t *commandTransaction) Pending() bool {
	return len(t.args) > 0
}

func (t *commandTransaction) String() string {
	return strings.Join(t.args, " ")
}

// Run executes the wrapped command and returns its exit code
func (t *commandTransaction) Run(ctx context.Context) (int, error) {
	//nolint:gosec // running the caller's package manager command is the point
	cmd := exec.CommandContext(ctx, t.args[0], t.args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 127, err
	}
	return 0, nil
}

// commandHost hosts the snapper plugin around a wrapped command
type commandHost struct {
	configPath string
	txn        *commandTransaction

	logger log.FieldLogger
}

func (h *commandHost) Transaction() snapshot.Transaction {
	if h.txn == nil {
		return nil
	}
	return h.txn
}

func (h *commandHost) ReadConfig(name string) (*ini.File, error) {
	h.logger.Debugf("reading %s plugin config from %s", name, h.configPath)
	return config.Load(h.configPath)
}
