package engine

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/abligh/proxsmtpd/internal/filter"
)

// messageContext implements filter.Framework for a single DATA-phase
// message. It owns the already-buffered body (read by Connection's DATA
// loop, unchanged from before filtering was added), spools it to a temp
// file on demand for filters that need a real file or pipe, and collects
// the final accept/reject decision so doDATA can turn it into an SMTP
// response.
type messageContext struct {
	conn *Connection
	ctx  context.Context
	body []byte

	cachePath    string
	filteredPath string

	logFields []string

	accepted bool
	rejected bool
	response *Response
}

func newMessageContext(c *Connection, ctx context.Context) *messageContext {
	return &messageContext{conn: c, ctx: ctx}
}

// IsQuit reports whether this message's connection context has been
// cancelled (e.g. the process is shutting down; a reload leaves sessions
// running), so the pump can abandon a filter dispatch in progress instead
// of running it to its full timeout.
func (m *messageContext) IsQuit() bool {
	return m.ctx.Err() != nil
}

func (m *messageContext) Sender() string {
	return m.conn.ReversePath.String()
}

func (m *messageContext) Recipients() []string {
	out := make([]string, len(m.conn.RecipientList))
	for i, r := range m.conn.RecipientList {
		out[i] = r.String()
	}
	return out
}

func (m *messageContext) HeloName() string {
	return m.conn.HeloName
}

func (m *messageContext) ClientAddress() string {
	return m.conn.name
}

// CacheData spools the in-memory body to a temp file under TempDirectory,
// giving filters that need a real path (file mode) or a stable seekable
// source (pipe/smtp mode) something to read from. It is a no-op if already
// called.
func (m *messageContext) CacheData(ctx context.Context) error {
	if m.cachePath != "" {
		return nil
	}
	f, err := os.CreateTemp(m.conn.params.TempDirectory, "proxsmtpd-in-*.eml")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(m.body); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}
	m.cachePath = f.Name()
	return nil
}

// CachePath satisfies filter.FileCacher for TypeFile dispatch.
func (m *messageContext) CachePath() string {
	return m.cachePath
}

func (m *messageContext) ReadData(ctx context.Context) (filter.DataReader, error) {
	if m.cachePath == "" {
		return nil, fmt.Errorf("message body not cached yet")
	}
	return os.Open(m.cachePath)
}

func (m *messageContext) WriteData(ctx context.Context) (filter.DataWriter, error) {
	f, err := os.CreateTemp(m.conn.params.TempDirectory, "proxsmtpd-out-*.eml")
	if err != nil {
		return nil, fmt.Errorf("creating filtered-output file: %w", err)
	}
	m.filteredPath = f.Name()
	return f, nil
}

// DiscardData removes any spool files created for this message, unless the
// operator asked to keep them around for debugging.
func (m *messageContext) DiscardData(ctx context.Context) {
	if m.conn.listener != nil && m.conn.listener.debugFiles {
		return
	}
	if m.cachePath != "" {
		os.Remove(m.cachePath)
	}
	if m.filteredPath != "" {
		os.Remove(m.filteredPath)
	}
}

func (m *messageContext) AddLog(key, value string) {
	m.logFields = append(m.logFields, key+"="+value)
}

func (m *messageContext) Accept(ctx context.Context, header string) error {
	m.accepted = true
	m.response = &Response{lines: newRL(250, "2.0.0 OK: queued (ID unknown)")}
	m.flushLog("accepted")
	return nil
}

func (m *messageContext) Reject(ctx context.Context, message string) error {
	m.rejected = true
	code, text := splitRejection(message)
	m.response = &Response{lines: newRL(code, text)}
	m.flushLog("rejected")
	return nil
}

func (m *messageContext) finalResponse() *Response {
	if m.response != nil {
		return m.response
	}
	return &Response{lines: newRL(451, "4.3.0 Error: internal filter error")}
}

func (m *messageContext) flushLog(status string) {
	if m.conn.logger == nil {
		return
	}
	fields := strings.Join(m.logFields, " ")
	m.conn.logger.Printf("[INFO] status=%s sender=%s recipients=%d %s", status, m.Sender(), len(m.conn.RecipientList), fields)
}

// splitRejection parses a "NNN text" rejection message (as configured via
// FilterReject, or produced by a filter's own wording) into an SMTP code
// and text, falling back to a generic 550 if no leading code is present.
func splitRejection(message string) (int, string) {
	message = strings.TrimSpace(message)
	if len(message) >= 3 {
		code := 0
		n, err := fmt.Sscanf(message[:3], "%d", &code)
		if n == 1 && err == nil && code >= 400 && code <= 599 {
			text := strings.TrimSpace(message[3:])
			if text == "" {
				text = "Content Rejected"
			}
			return code, text
		}
	}
	if message == "" {
		message = "Content Rejected"
	}
	return 550, message
}
