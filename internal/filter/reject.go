package filter

import (
	"bytes"
	"strings"
)

// rejectCapacity bounds the accumulated rejection text, matching the fixed
// 256 byte buffer (255 usable bytes plus a NUL) the original C filter uses.
const rejectCapacity = 255

// rejectAccumulator folds filter stderr output into a single, bounded
// rejection line, the same way the original buffer_reject_message /
// final_reject_message pair does: only the last non-blank line of stderr
// survives, newlines are preserved as separators between distinct lines but
// trailing whitespace on each chunk is trimmed, and the whole thing is
// capped so a runaway filter can't blow out memory or the eventual SMTP
// response line.
type rejectAccumulator struct {
	buf []byte
}

func isSpaceByte(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// Fold appends one chunk of filter stderr output, maintaining the
// last-line-wins behavior described above. It may be called repeatedly as
// more stderr arrives.
func (r *rejectAccumulator) Fold(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	end := len(chunk)
	sawNewline := false
	for end > 0 && isSpaceByte(chunk[end-1]) {
		end--
		if chunk[end] == '\n' {
			sawNewline = true
		}
	}

	effective := chunk
	if sawNewline {
		effective = chunk[:end]
	}

	if end > 0 {
		var line []byte
		if idx := bytes.LastIndexByte(effective, '\n'); idx == -1 {
			// No embedded newline: this chunk continues whatever line we
			// already hold, unless that line was already terminated.
			line = bytes.TrimLeft(effective, " \t\r\n\v\f")
			if len(r.buf) > 0 && r.buf[len(r.buf)-1] == '\n' {
				r.buf = r.buf[:0]
			}
		} else {
			// An embedded newline starts a fresh line; only the text after
			// the last one matters.
			line = bytes.TrimLeft(effective[idx+1:], " \t\r\n\v\f")
			r.buf = r.buf[:0]
		}
		r.append(line)
	}

	if sawNewline {
		r.append([]byte("\n"))
	}
}

func (r *rejectAccumulator) append(s []byte) {
	room := rejectCapacity - len(r.buf)
	if room <= 0 {
		return
	}
	if len(s) > room {
		s = s[:room]
	}
	r.buf = append(r.buf, s...)
}

// Final returns the accumulated rejection text, or a generic fallback if
// nothing was ever accumulated.
func (r *rejectAccumulator) Final() string {
	if len(r.buf) == 0 {
		return "Content Rejected"
	}
	return strings.TrimRight(string(r.buf), " \t\r\n\v\f")
}
