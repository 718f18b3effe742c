package filter

import "context"

// PreResult is returned by Dispatcher.CheckPre and tells its caller whether
// to proceed with the DATA-phase filter invocation (CheckData).
type PreResult int

const (
	// PreContinue means no decision has been made yet; the caller should
	// proceed to CheckData, which runs the configured filter strategy.
	PreContinue PreResult = iota
	// PreTerminateOK means the DATA command has already been fully answered
	// (e.g. rejected by TypeReject); no filter must be run.
	PreTerminateOK
	// PreTerminateError means answering the DATA command through the
	// Framework failed; no filter must be run.
	PreTerminateError
)

// Framework is the minimal seam the Dispatcher needs into the surrounding
// SMTP engine. A real server implements this once per in-flight message;
// it corresponds to the "sp" transaction context in the original proxy,
// scoped down to exactly the hooks the core dispatch logic needs.
type Framework interface {
	// Sender returns the envelope MAIL FROM address.
	Sender() string
	// Recipients returns the envelope RCPT TO address list.
	Recipients() []string
	// HeloName returns the client's HELO/EHLO argument.
	HeloName() string
	// ClientAddress returns the remote peer address, in net.Addr.String
	// form (host:port for TCP peers; the SMTP relay strips the port before
	// applying its "contains a colon" IPv6 heuristic).
	ClientAddress() string
	// IsQuit reports whether the underlying connection has been asked to
	// shut down (e.g. the process is shutting down). The pump polls this
	// once per iteration so a filter dispatch in progress can be abandoned
	// promptly instead of running to its full timeout.
	IsQuit() bool

	// CacheData spools the already-received message body so it can be
	// streamed to a filter. It must be safe to call exactly once per
	// message.
	CacheData(ctx context.Context) error
	// ReadData opens the spooled body for sequential reading. The caller
	// must Close the returned reader.
	ReadData(ctx context.Context) (DataReader, error)
	// WriteData opens a destination for the filtered body. The caller
	// must Close the returned writer to finalize it.
	WriteData(ctx context.Context) (DataWriter, error)
	// DiscardData removes any spool files CacheData/WriteData created.
	DiscardData(ctx context.Context)

	// Accept finishes the transaction successfully. header is the
	// configured Header line (empty for none). The engine's implementation
	// answers the client with 250 and does not deliver the message onward:
	// it uses neither header nor the body written via WriteData.
	Accept(ctx context.Context, header string) error
	// Reject finishes the transaction with a failure response built from
	// message.
	Reject(ctx context.Context, message string) error

	// AddLog appends a structured field to the per-message log line that
	// is flushed when the transaction completes.
	AddLog(key, value string)
}

// DataReader is a sequential, closeable reader over a spooled message body.
type DataReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// DataWriter is a sequential, closeable writer for a filtered message body.
type DataWriter interface {
	Write(p []byte) (int, error)
	Close() error
}
