package firewall

import (
	"context"
	"errors"
	"os/exec"
)

// Executor runs one iptables invocation. err is set only when the command could not
// run at all; otherwise code carries the exit status.
type Executor interface {
	Exec(ctx context.Context, args []string) (code int, out []byte, err error)
}

// IPTables runs the host iptables binary, waiting on the xtables lock.
type IPTables struct {
	Bin string
}

func (t IPTables) Exec(ctx context.Context, args []string) (int, []byte, error) {
	bin := t.Bin
	if bin == "" {
		bin = "iptables"
	}
	cmd := exec.CommandContext(ctx, bin, append([]string{"-w"}, args...)...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return 0, out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out, nil
	}
	return -1, out, err
}
