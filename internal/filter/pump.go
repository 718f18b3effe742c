package filter

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"
)

// errQuit is returned by the pump's copy loops when the framework's IsQuit
// poll reports true mid-transfer, distinguishing a cancelled dispatch from
// an I/O error or a timeout.
var errQuit = errors.New("filter: cancelled")

// pumpResult is the outcome of feeding a filter child its input and
// collecting its output.
type pumpResult struct {
	stdout []byte
	stderr []byte
	err    error // first fatal error encountered by any of the three streams
}

// pump drives a plumbedProcess: it writes body to the child's stdin (closing
// it when done, exactly as the original closes the write end to signal
// EOF), and concurrently drains stdout and stderr into memory. Each stream
// runs in its own goroutine using read/write deadlines for the idle
// timeout, which is the direct Go analogue of the original's single
// select()-multiplexed loop over non-blocking descriptors: the runtime
// netpoller is the multiplexer, SetReadDeadline/SetWriteDeadline are the
// per-fd timeout, and closing a pipe end is what unblocks a sibling
// goroutine blocked in a read or write, the same role is_quit / manual fd
// closing played in the single-threaded version.
//
// pump returns once all three streams have finished (by EOF, error, or
// forced closure) or idleTimeout elapses with no progress on any stream.
// quit is polled once per read/write iteration on every stream, the direct
// analogue of the original's is_quit check inside its select() loop; a nil
// quit is treated as "never cancelled".
func pump(p *plumbedProcess, body io.Reader, idleTimeout time.Duration, quit func() bool) pumpResult {
	var (
		once   sync.Once
		mu     sync.Mutex
		result pumpResult
	)

	setErr := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if result.err == nil {
			result.err = err
		}
		mu.Unlock()
		once.Do(p.closeAll)
	}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		defer p.stdin.Close()
		// EPIPE means the child stopped reading its stdin; that ends the
		// input stream rather than failing the dispatch.
		if err := copyWithDeadline(p.stdin, body, idleTimeout, quit); err != nil && err != io.EOF && !errors.Is(err, syscall.EPIPE) {
			setErr(err)
		}
	}()

	go func() {
		defer wg.Done()
		buf, err := readAllWithDeadline(p.stdout, idleTimeout, quit)
		mu.Lock()
		result.stdout = buf
		mu.Unlock()
		if err != nil && err != io.EOF {
			setErr(err)
		}
	}()

	go func() {
		defer wg.Done()
		buf, err := readAllWithDeadline(p.stderr, idleTimeout, quit)
		mu.Lock()
		result.stderr = buf
		mu.Unlock()
		if err != nil && err != io.EOF {
			setErr(err)
		}
	}()

	wg.Wait()
	once.Do(p.closeAll)

	mu.Lock()
	defer mu.Unlock()
	return result
}

// copyWithDeadline writes src to dst (an *os.File), refreshing dst's write
// deadline before each write so a stalled child cannot hang the pump
// indefinitely.
func copyWithDeadline(dst *os.File, src io.Reader, idleTimeout time.Duration, quit func() bool) error {
	buf := make([]byte, 32*1024)
	for {
		if quit != nil && quit() {
			return errQuit
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := dst.SetWriteDeadline(time.Now().Add(idleTimeout)); err != nil {
				return err
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

// readAllWithDeadline reads src (an *os.File) to completion, refreshing its
// read deadline before each read.
func readAllWithDeadline(src *os.File, idleTimeout time.Duration, quit func() bool) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		if quit != nil && quit() {
			return out, errQuit
		}
		if err := src.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return out, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
	}
}
