package filter

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/abligh/proxsmtpd/internal/metrics"
)

// waiter runs exec.Cmd.Wait exactly once in the background and exposes its
// completion as a channel, the idiomatic Go replacement for the original's
// wait_process, which polled waitpid(..., WNOHANG) every 20ms. Racing a
// second, raw wait call against the one exec.Cmd already owns is unsound,
// so a single background goroutine is the only safe way to get a
// wait-with-timeout out of os/exec. This also gives a stronger guarantee
// than the C version: the waiter keeps running (and so still reaps the
// child) even if the caller gives up after a forced kill, rather than only
// opportunistically sweeping on the next invocation.
type waiter struct {
	done chan struct{}
	err  error
}

func newWaiter(cmd *exec.Cmd) *waiter {
	w := &waiter{done: make(chan struct{})}
	go func() {
		w.err = cmd.Wait()
		close(w.done)
	}()
	return w
}

// waitTimeout blocks until the child exits or timeout elapses, whichever
// comes first. ok is false on timeout; the waiter keeps running regardless,
// so a later call (such as killProcess's) can still observe completion.
func (w *waiter) waitTimeout(timeout time.Duration) (err error, ok bool) {
	select {
	case <-w.done:
		return w.err, true
	case <-time.After(timeout):
		return nil, false
	}
}

// killProcess escalates from SIGTERM to SIGKILL exactly as the original
// kill_process does: send SIGTERM to the process group, give it a grace
// period to exit on its own, and if it hasn't, send SIGKILL and stop
// waiting — no second wait is attempted after SIGKILL, since the
// background waiter goroutine will collect the exit status whenever it
// eventually arrives.
func killProcess(p *plumbedProcess, grace time.Duration) {
	pid := p.cmd.Process.Pid
	syscall.Kill(-pid, syscall.SIGTERM)

	if _, ok := p.waiter.waitTimeout(grace); ok {
		return
	}

	syscall.Kill(-pid, syscall.SIGKILL)
	metrics.ObserveChildKilled()
}

// reapOrphans opportunistically collects any already-exited child whose
// process group proxsmtpd does not otherwise track, mirroring the
// original's best-effort reaping of stray children on each new dispatch.
// It targets processes outside any live *exec.Cmd's own wait, so it cannot
// race with a waiter goroutine.
func reapOrphans() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}
