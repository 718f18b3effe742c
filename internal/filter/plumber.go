package filter

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// plumbedProcess is a started filter child together with the parent-side
// ends of its stdin/stdout/stderr pipes. Unlike cmd.StdinPipe() et al, the
// pipes are created manually with os.Pipe so the parent keeps *os.File
// handles: only *os.File supports SetReadDeadline/SetWriteDeadline, which
// the pump (pump.go) relies on to replicate the original's select()-based
// idle timeout.
type plumbedProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File // parent writes to the child's stdin here
	stdout *os.File // parent reads the child's stdout here
	stderr *os.File // parent reads the child's stderr here

	waiter *waiter
}

// forkFilter starts command by handing it to /bin/sh -c, exactly as the
// original's process_pipe_command/process_file_command exec the
// configured filter, so shell constructs (pipelines, quoting,
// redirection) in FilterCommand behave as configured rather than being
// naively word-split. Its environment is extended by env, with
// stdin/stdout/stderr wired to fresh pipes. The child is placed in its own
// process group so the reaper's escalation targets exactly the filter and
// anything it spawned, not the parent's own group.
func forkFilter(command string, env []string) (*plumbedProcess, error) {
	if command == "" {
		return nil, fmt.Errorf("filter: empty filter command")
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("filter: stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("filter: stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("filter: stderr pipe: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("filter: starting %q: %w", command, err)
	}

	// The child now owns these ends; the parent's copies would otherwise
	// keep the pipes open after the child exits, hiding EOF from the pump.
	inR.Close()
	outW.Close()
	errW.Close()

	p := &plumbedProcess{
		cmd:    cmd,
		stdin:  inW,
		stdout: outR,
		stderr: errR,
	}
	p.waiter = newWaiter(cmd)
	return p, nil
}

// closeAll closes every pipe end the parent still holds. It is idempotent
// per-file (os.File.Close on an already-closed file just returns an error,
// which is ignored), used both in the normal-completion path and to abort
// a pump by forcing read/write calls on the other goroutines to fail.
func (p *plumbedProcess) closeAll() {
	p.stdin.Close()
	p.stdout.Close()
	p.stderr.Close()
}
