// Package filter implements the per-message filter-dispatch core of the
// proxy: given a message already accepted up to the DATA command, it hands
// the body to an external filter (by pipe, by file, or by relaying to a
// downstream SMTP server), or rejects it outright, and translates the
// filter's outcome back into an accept/reject decision for the client.
package filter

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/abligh/proxsmtpd/internal/metrics"
)

// Dispatcher selects and drives one of the filter strategies for each
// message, using cfg for timeouts, the filter command, and the fallback
// rejection text.
type Dispatcher struct {
	Config *Config
}

// NewDispatcher returns a Dispatcher bound to cfg.
func NewDispatcher(cfg *Config) *Dispatcher {
	return &Dispatcher{Config: cfg}
}

// CheckPre runs before the filter is invoked, when the DATA command
// arrives. For TypeReject it ends the transaction immediately; for every
// other strategy it returns PreContinue so CheckData can run the filter.
func (d *Dispatcher) CheckPre(ctx context.Context, mc Framework) (PreResult, error) {
	if d.Config.Type == TypeReject {
		if err := mc.Reject(ctx, d.Config.RejectMessage); err != nil {
			return PreTerminateError, err
		}
		return PreTerminateOK, nil
	}
	return PreContinue, nil
}

// CheckData runs the configured filter strategy against the message and
// finalizes the transaction. It is only called when CheckPre returned
// PreContinue.
//
// Any internal failure (a pipe error, a timeout, a malformed filter
// environment) is treated uniformly: the message falls back to rejection
// with d.Config.RejectMessage, mirroring the original's rule that every
// internal error path funnels through fail_data(NULL) and only a failure
// of that fallback itself is propagated to the caller.
func (d *Dispatcher) CheckData(ctx context.Context, mc Framework) error {
	reapOrphans()

	start := time.Now()
	outcome, rejectReason, err := d.runFilter(ctx, mc)

	if err != nil {
		metrics.ObserveDispatch(metrics.StatusError, time.Since(start))
		mc.AddLog("filter_error", err.Error())
		if rejectErr := mc.Reject(ctx, d.Config.RejectMessage); rejectErr != nil {
			return rejectErr
		}
		return nil
	}

	switch outcome {
	case outcomeAccept:
		metrics.ObserveDispatch(metrics.StatusFiltered, time.Since(start))
		return mc.Accept(ctx, d.Config.Header)
	case outcomeReject:
		metrics.ObserveDispatch(metrics.StatusRejected, time.Since(start))
		if rejectReason == "" {
			rejectReason = d.Config.RejectMessage
		}
		return mc.Reject(ctx, rejectReason)
	default:
		// unreachable, but keep the same fallback behavior as any other
		// internal failure rather than panicking.
		return mc.Reject(ctx, d.Config.RejectMessage)
	}
}

type filterOutcome int

const (
	outcomeAccept filterOutcome = iota
	outcomeReject
)

// runFilter executes the configured strategy and returns whether the
// message should be accepted, plus an explicit rejection reason when
// relevant. A non-nil error indicates an internal failure, not a filter
// rejection, and is always handled the same way by CheckData.
func (d *Dispatcher) runFilter(ctx context.Context, mc Framework) (filterOutcome, string, error) {
	if (d.Config.Type == TypePipe || d.Config.Type == TypeFile) && d.Config.Command == "" {
		return d.runBypass(ctx, mc)
	}
	switch d.Config.Type {
	case TypePipe:
		return d.runPipe(ctx, mc)
	case TypeFile:
		return d.runFile(ctx, mc)
	case TypeSMTP:
		return d.runSMTP(ctx, mc)
	default:
		return outcomeReject, "", fmt.Errorf("filter: unsupported filter type %v", d.Config.Type)
	}
}

// runBypass implements the no-FilterCommand-configured case: rather than a
// startup-time misconfiguration, an unset Command for TypePipe/TypeFile
// means deliver the message unfiltered, spooling it to cache and writing
// it back unchanged as the filtered body before Accept is called.
func (d *Dispatcher) runBypass(ctx context.Context, mc Framework) (filterOutcome, string, error) {
	mc.AddLog("filter_bypass", "no FilterCommand configured; delivering unfiltered")

	if err := mc.CacheData(ctx); err != nil {
		return outcomeReject, "", fmt.Errorf("caching message: %w", err)
	}
	defer mc.DiscardData(ctx)

	body, err := mc.ReadData(ctx)
	if err != nil {
		return outcomeReject, "", fmt.Errorf("opening cached message: %w", err)
	}
	defer body.Close()

	if err := writeFilteredFromReader(ctx, mc, body); err != nil {
		return outcomeReject, "", err
	}
	return outcomeAccept, "", nil
}

// runPipe streams the cached message body to the filter over its stdin,
// captures stdout as the (possibly rewritten) body and stderr as the
// candidate rejection reason, and judges acceptance purely by exit status,
// exactly as the original's process_pipe_command does.
func (d *Dispatcher) runPipe(ctx context.Context, mc Framework) (filterOutcome, string, error) {
	if err := mc.CacheData(ctx); err != nil {
		return outcomeReject, "", fmt.Errorf("caching message: %w", err)
	}
	defer mc.DiscardData(ctx)

	body, err := mc.ReadData(ctx)
	if err != nil {
		return outcomeReject, "", fmt.Errorf("opening cached message: %w", err)
	}
	defer body.Close()

	env := d.childEnvironment(mc, "")
	proc, err := forkFilter(d.Config.Command, env)
	if err != nil {
		return outcomeReject, "", err
	}

	timeout := time.Duration(d.Config.Timeout) * time.Second
	result := pump(proc, body, timeout, mc.IsQuit)

	exitErr, waited := proc.waiter.waitTimeout(timeout)
	if !waited {
		killProcess(proc, timeout)
		return outcomeReject, "", fmt.Errorf("filter command timed out after %s", timeout)
	}
	if result.err != nil {
		killProcess(proc, timeout)
		if result.err == errQuit {
			return outcomeReject, "", fmt.Errorf("filter dispatch cancelled")
		}
		return outcomeReject, "", fmt.Errorf("filter pipe I/O: %w", result.err)
	}

	ok, reason := judgeExit(exitErr, result.stderr)
	if !ok {
		return outcomeReject, reason, nil
	}

	if err := writeFiltered(ctx, mc, result.stdout); err != nil {
		return outcomeReject, "", err
	}
	return outcomeAccept, "", nil
}

// runFile hands the filter a path to the spooled cache file instead of
// streaming bytes over a pipe; the filter is expected to rewrite the file
// in place (or leave it untouched to accept as-is), exactly as
// process_file_command does.
func (d *Dispatcher) runFile(ctx context.Context, mc Framework) (filterOutcome, string, error) {
	if err := mc.CacheData(ctx); err != nil {
		return outcomeReject, "", fmt.Errorf("caching message: %w", err)
	}
	defer mc.DiscardData(ctx)

	fc, ok := mc.(FileCacher)
	if !ok {
		return outcomeReject, "", fmt.Errorf("filter: framework does not support file-mode caching")
	}
	cachePath := fc.CachePath()

	env := d.childEnvironment(mc, cachePath)
	proc, err := forkFilter(d.Config.Command, env)
	if err != nil {
		return outcomeReject, "", err
	}
	// The file-mode filter takes no stdin and produces no stdout; only
	// stderr (for the rejection reason) and the exit status matter.
	proc.stdin.Close()

	timeout := time.Duration(d.Config.Timeout) * time.Second
	result := pump(proc, emptyReader{}, timeout, mc.IsQuit)

	exitErr, waited := proc.waiter.waitTimeout(timeout)
	if !waited {
		killProcess(proc, timeout)
		return outcomeReject, "", fmt.Errorf("filter command timed out after %s", timeout)
	}
	if result.err != nil {
		killProcess(proc, timeout)
		if result.err == errQuit {
			return outcomeReject, "", fmt.Errorf("filter dispatch cancelled")
		}
		return outcomeReject, "", fmt.Errorf("filter pipe I/O: %w", result.err)
	}

	ok2, reason := judgeExit(exitErr, result.stderr)
	if !ok2 {
		return outcomeReject, reason, nil
	}

	body, err := mc.ReadData(ctx)
	if err != nil {
		return outcomeReject, "", fmt.Errorf("reading rewritten cache file: %w", err)
	}
	defer body.Close()
	if err := writeFilteredFromReader(ctx, mc, body); err != nil {
		return outcomeReject, "", err
	}
	return outcomeAccept, "", nil
}

// childEnvironment builds the environment variables exported to a filter
// child process, giving it the envelope details the original C filter's
// children received via argv/environment. cachePath is only set for
// TypeFile.
func (d *Dispatcher) childEnvironment(mc Framework, cachePath string) []string {
	env := []string{
		"PROXSMTPD_SENDER=" + mc.Sender(),
		"PROXSMTPD_RECIPIENTS=" + joinRecipients(mc.Recipients()),
		"PROXSMTPD_HELO=" + mc.HeloName(),
		"PROXSMTPD_CLIENT_ADDRESS=" + mc.ClientAddress(),
	}
	if cachePath != "" {
		env = append(env, "PROXSMTPD_CACHE_FILE="+cachePath)
	}
	return env
}

func joinRecipients(rcpts []string) string {
	out := ""
	for i, r := range rcpts {
		if i > 0 {
			out += " "
		}
		out += r
	}
	return out
}

// FileCacher is implemented by Framework values that support TypeFile
// dispatch, exposing the on-disk path of the spooled cache file.
type FileCacher interface {
	CachePath() string
}

// emptyReader is an io.Reader that always reports EOF, used for the
// file-mode filter, which reads nothing from stdin.
type emptyReader struct{}

func (emptyReader) Read(p []byte) (int, error) { return 0, io.EOF }

func writeFiltered(ctx context.Context, mc Framework, data []byte) error {
	w, err := mc.WriteData(ctx)
	if err != nil {
		return fmt.Errorf("opening filtered output: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing filtered output: %w", err)
	}
	return w.Close()
}

func writeFilteredFromReader(ctx context.Context, mc Framework, r DataReader) error {
	w, err := mc.WriteData(ctx)
	if err != nil {
		return fmt.Errorf("opening filtered output: %w", err)
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				return fmt.Errorf("writing filtered output: %w", werr)
			}
		}
		if rerr != nil {
			break
		}
	}
	return w.Close()
}
