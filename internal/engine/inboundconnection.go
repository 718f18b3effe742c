package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/abligh/proxsmtpd/internal/filter"
)

const (
	maxUnrecognisedCommands = 20 // this normally indicates SMTP has got out sync
)

// FilterGate is the seam between the SMTP verb engine and the filter
// dispatch core. A Connection calls CheckPre when the DATA command arrives,
// before the 354 reply (there being no earlier natural gate in a bare SMTP
// state machine for the filter's "pre" hook), and CheckData once the
// message body has been read, when CheckPre left the transaction open.
type FilterGate interface {
	CheckPre(ctx context.Context, mc filter.Framework) (filter.PreResult, error)
	CheckData(ctx context.Context, mc filter.Framework) error
}

// ConnectionParameters holds parameters for each inbound connection.
type ConnectionParameters struct {
	IdleTimeout        time.Duration // time to shut connection if idle
	ReadTimeout        time.Duration // time to read other than at command stage
	WriteTimeout       time.Duration // time to write
	GreetingHostname   string
	GreetingMailserver string
	MaxMessageSize     int
	TempDirectory      string // where message bodies are spooled for filtering
	Header             string // header line for accepted mail; not read by Connection
}

// Connection holds the details for each connection.
type Connection struct {
	params               *ConnectionParameters // parameters
	conn                 net.Conn              // the connection that is used as the SMTP transport
	plainConn            net.Conn              // the unencrypted (original) connection
	tlsConn              net.Conn              // the TLS encrypted connection
	logger               *log.Logger           // a logger
	listener             *Listener             // the listener than invoked us
	name                 string                // the name of the connection for logging purposes
	rd                   *bufio.Reader         // buffered reader
	wr                   *bufio.Writer         // buffered writer
	rdwr                 *bufio.ReadWriter     // composite read writer
	needsFlush           bool                  // if we've skipped a flush due to pipelining mode
	unrecognisedCommands int                   // Number of unrecognised commands so far
	RecipientList        []*AddressString      // current recipient list
	inTransaction        bool                  // true if in a transaction (i.e. has had 'MAIL FROM')
	ReversePath          AddressString         // current sender
	HeloName             string                // argument given to the last HELO/EHLO
	Gate                 FilterGate            // filter gate associated with this connection
}

// Command holds an inbound command.
type Command struct {
	buf     []byte
	invalid bool
}

// AddressString holds an email address. Subtyped so we can play with it later.
type AddressString string

// ResponseLine is a single line SMTP response code.
type ResponseLine struct {
	code int    // The integer response code
	text string // the textual response
}

// Response is a potentially multiline SMTP response.
type Response struct {
	lines       []ResponseLine // The response lines
	final       bool           // should the connection be closed after sending
	canPipeline bool           // if we can skip a flush in pipelining mode
}

// newRL creates a new slice of response lines consisting of one entry made
// from the code and text specified.
func newRL(code int, text string) []ResponseLine {
	return []ResponseLine{{code: code, text: text}}
}

// addRL adds a new line to an existing response.
func (r *Response) addRL(code int, text string) {
	r.lines = append(r.lines, ResponseLine{code: code, text: text})
}

// IsError returns true if and only if r is an error code (i.e. 400 to 599).
// Technically there is a response code on each line of a multiline response,
// but we assume these all have the same code.
func (r *Response) IsError() bool {
	if len(r.lines) == 0 {
		return false
	}
	return r.lines[0].code >= 400 && r.lines[0].code <= 599
}

// inboundRE is a regexp used to canonicalise addresses and strip source routing.
var inboundRE = regexp.MustCompile(`^([^:]+:)?([^@:]+)@([^@:]+)$`)

// CanonicaliseInboundAddress changes a string containing an email address
// into canonical format and returns it as an AddressString. This currently
// involves stripping source routing information.
func CanonicaliseInboundAddress(a string) *AddressString {
	match := inboundRE.FindStringSubmatch(a)
	if match == nil || len(match) != 4 {
		return nil
	}
	as := AddressString(fmt.Sprintf("%s@%s", match[2], strings.ToLower(match[3])))
	return &as
}

// String returns a string representation of an AddressString.
func (as *AddressString) String() string {
	return string(*as)
}

// Verb represents an SMTP verb and the action method associated with it.
type Verb struct {
	Run func(c *Connection, ctx context.Context, params []byte) (*Response, error)
}

// reset resets the internal transaction state of a connection.
func (c *Connection) reset() {
	c.RecipientList = []*AddressString{}
	c.ReversePath = ""
	c.inTransaction = false
}

// doHELO implements the HELO command.
func (c *Connection) doHELO(ctx context.Context, params []byte) (*Response, error) {
	c.reset()
	c.HeloName = strings.TrimSpace(string(params))
	return &Response{lines: newRL(250, c.params.GreetingHostname)}, nil
}

// doEHLO implements the EHLO command.
func (c *Connection) doEHLO(ctx context.Context, params []byte) (*Response, error) {
	c.reset()
	c.HeloName = strings.TrimSpace(string(params))
	r := &Response{lines: newRL(250, c.params.GreetingHostname)}
	r.addRL(250, "PIPELINING")
	r.addRL(250, "ENHANCEDSTATUSCODES")
	r.addRL(250, "8BITMIME")
	r.addRL(250, fmt.Sprintf("SIZE %d", c.params.MaxMessageSize))
	return r, nil
}

var mailFromRE = regexp.MustCompile(`^[Ff][Rr][Oo][Mm]:\s*<?([^<>]*)>?.*`)

// doMAIL implements the MAIL command.
func (c *Connection) doMAIL(ctx context.Context, params []byte) (*Response, error) {
	if c.inTransaction {
		return &Response{lines: newRL(503, "5.5.1 Error: nested MAIL commands")}, nil
	}
	match := mailFromRE.FindSubmatch(params)
	if match == nil || len(match) != 2 {
		return &Response{lines: newRL(550, "5.1.7 Error: bad envelope sender address format")}, nil
	}
	if len(match[1]) > 0 && CanonicaliseInboundAddress(string(match[1])) == nil {
		return &Response{lines: newRL(550, "5.1.7 Error: bad envelope sender address format")}, nil
	}
	fromAddress := AddressString(match[1])
	c.inTransaction = true
	c.ReversePath = fromAddress
	return &Response{
		lines:       newRL(250, fmt.Sprintf("2.1.0 OK: mail is from '%s'", c.ReversePath)),
		canPipeline: true,
	}, nil
}

var rcptToRE = regexp.MustCompile(`^[Tt][Oo]:\s*<?([^<>]*)>?.*`)

// doRCPT implements the RCPT command.
func (c *Connection) doRCPT(ctx context.Context, params []byte) (*Response, error) {
	if !c.inTransaction {
		return &Response{lines: newRL(503, "5.5.1 Error: missing MAIL command before RCPT")}, nil
	}
	match := rcptToRE.FindSubmatch(params)
	if match == nil || len(match) != 2 {
		return &Response{lines: newRL(550, "5.1.3 Error: bad envelope recipient address component")}, nil
	}
	rcptAddress := CanonicaliseInboundAddress(string(match[1]))
	if rcptAddress == nil {
		return &Response{lines: newRL(550, "5.1.3 Error: bad envelope recipient address format")}, nil
	}
	c.RecipientList = append(c.RecipientList, rcptAddress)
	return &Response{
		lines:       newRL(250, fmt.Sprintf("2.1.5 OK: mail recipient '%s'", rcptAddress.String())),
		canPipeline: true,
	}, nil
}

// doDATA implements the DATA command: it reads the full body (as before),
// then runs it through the connection's FilterGate, which decides whether
// the message is ultimately accepted or rejected.
func (c *Connection) doDATA(ctx context.Context, params []byte) (*Response, error) {
	if !c.inTransaction {
		return &Response{lines: newRL(503, "5.5.1 Error: missing MAIL command before DATA")}, nil
	}
	if len(c.RecipientList) == 0 {
		return &Response{lines: newRL(553, "5.5.1 Error: no valid recipients")}, nil
	}

	mc := newMessageContext(c, ctx)

	if c.Gate != nil {
		pre, err := c.Gate.CheckPre(ctx, mc)
		if err != nil {
			return nil, err
		}
		switch pre {
		case filter.PreTerminateOK, filter.PreTerminateError:
			c.reset()
			return mc.finalResponse(), nil
		}
	}

	ready := &Response{lines: newRL(354, "354 End data with <CR><LF>.<CR><LF>")}
	if err := c.Send(ready); err != nil {
		return nil, err
	}

	defer c.reset()

	var body bytes.Buffer
	startOfLine := true
	oversize := false
	crlf := []byte("\r\n")

	for {
		c.conn.SetDeadline(time.Now().Add(c.params.ReadTimeout))
		buf, err := c.rdwr.ReadSlice('\n')
		if err != nil {
			return nil, err
		}
		if len(buf) == 0 {
			continue
		}

		lineStartsWithDot := buf[0] == '.' && startOfLine
		if lineStartsWithDot {
			buf = buf[1:]
		}

		if !oversize && len(buf)+body.Len() > c.params.MaxMessageSize+1024 {
			oversize = true
			body.Reset()
		}

		if !bytes.HasSuffix(buf, crlf) {
			if !oversize {
				body.Write(buf)
			}
			startOfLine = false
			continue
		}

		terminator := startOfLine && lineStartsWithDot && len(buf) == len(crlf) &&
			(bytes.HasSuffix(body.Bytes(), crlf) || body.Len() == 0)

		if !terminator {
			if !oversize {
				body.Write(buf)
			}
			startOfLine = true
			continue
		}

		break
	}

	if oversize || body.Len() > c.params.MaxMessageSize {
		return &Response{lines: newRL(552, "4.3.4 Error: message too big for system")}, nil
	}

	mc.body = body.Bytes()

	if c.Gate == nil {
		return &Response{lines: newRL(250, "2.0.0 OK: queued (ID unknown)")}, nil
	}

	if err := c.Gate.CheckData(ctx, mc); err != nil {
		return nil, err
	}
	return mc.finalResponse(), nil
}

// doRSET implements the RSET command.
func (c *Connection) doRSET(ctx context.Context, params []byte) (*Response, error) {
	c.reset()
	return &Response{lines: newRL(250, "2.0.0 OK"), canPipeline: true}, nil
}

// doVRFY implements the VRFY command.
func (c *Connection) doVRFY(ctx context.Context, params []byte) (*Response, error) {
	return &Response{lines: newRL(502, "5.5.1 Error: command not implemented"), canPipeline: true}, nil
}

// doEXPN implements the EXPN command.
func (c *Connection) doEXPN(ctx context.Context, params []byte) (*Response, error) {
	return &Response{lines: newRL(502, "5.5.1 Error: command not implemented"), canPipeline: true}, nil
}

// doHELP implements the HELP command.
func (c *Connection) doHELP(ctx context.Context, params []byte) (*Response, error) {
	return &Response{lines: newRL(250, "2.0.0 OK: but I currently have no help to give")}, nil
}

// doNOOP implements the NOOP command - oddly not pipelineable.
func (c *Connection) doNOOP(ctx context.Context, params []byte) (*Response, error) {
	return &Response{lines: newRL(250, "2.0.0 OK")}, nil
}

// doQUIT implements the QUIT command.
func (c *Connection) doQUIT(ctx context.Context, params []byte) (*Response, error) {
	c.reset()
	return &Response{lines: newRL(221, "2.0.0 Bye"), final: true}, nil
}

// verbs is a map of SMTP verbs to the handlers they use.
var verbs = map[string]Verb{
	"HELO": {Run: (*Connection).doHELO},
	"EHLO": {Run: (*Connection).doEHLO},
	"MAIL": {Run: (*Connection).doMAIL},
	"RCPT": {Run: (*Connection).doRCPT},
	"DATA": {Run: (*Connection).doDATA},
	"RSET": {Run: (*Connection).doRSET},
	"VRFY": {Run: (*Connection).doVRFY},
	"EXPN": {Run: (*Connection).doEXPN},
	"HELP": {Run: (*Connection).doHELP},
	"NOOP": {Run: (*Connection).doNOOP},
	"QUIT": {Run: (*Connection).doQUIT},
}

// newConnection returns a new Connection object.
func newConnection(listener *Listener, logger *log.Logger, conn net.Conn, gate FilterGate, params *ConnectionParameters) (*Connection, error) {
	if params == nil {
		params = &ConnectionParameters{
			IdleTimeout:        time.Second * 30,
			ReadTimeout:        time.Second * 15,
			WriteTimeout:       time.Second * 15,
			GreetingHostname:   "localhost",
			GreetingMailserver: "proxsmtpd",
			MaxMessageSize:     20 * 1024 * 1024,
			TempDirectory:      "/tmp",
		}
	}
	c := &Connection{
		plainConn: conn,
		listener:  listener,
		logger:    logger,
		params:    params,
		Gate:      gate,
	}
	return c, nil
}

// Send sends a response to an inbound connection.
func (c *Connection) Send(r *Response) error {
	c.conn.SetDeadline(time.Now().Add(c.params.WriteTimeout))

	for i, l := range r.lines {
		dashspace := " "
		if i != len(r.lines)-1 {
			dashspace = "-"
		}
		towrite := fmt.Sprintf("%03d%s%s\r\n", l.code, dashspace, l.text)

		for len(towrite) > 0 {
			written, err := c.rdwr.WriteString(towrite)
			if err != nil {
				return err
			}
			towrite = towrite[written:]
		}
	}
	if r.canPipeline {
		c.needsFlush = true
	} else {
		c.needsFlush = false
		if err := c.rdwr.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Receive receives a command from an inbound connection.
func (c *Connection) Receive() (*Command, error) {
	if c.needsFlush && c.rd.Buffered() == 0 {
		c.needsFlush = false
		if err := c.rdwr.Flush(); err != nil {
			return nil, err
		}
	}
	cmd := &Command{}
	c.conn.SetDeadline(time.Now().Add(c.params.IdleTimeout))
	line, isPrefix, err := c.rdwr.ReadLine()
	if err != nil {
		return nil, err
	}
	if isPrefix {
		cmd.invalid = true
		for {
			_, isPrefix, err := c.rdwr.ReadLine()
			if err != nil {
				return nil, err
			}
			if !isPrefix {
				break
			}
		}
		return cmd, nil
	}
	cmd.buf = line
	return cmd, nil
}

// Process processes a command once received.
func (c *Connection) Process(ctx context.Context, cmd *Command) (*Response, error) {
	c.conn.SetDeadline(time.Now().Add(c.params.ReadTimeout))

	words := bytes.SplitN(bytes.Trim(cmd.buf, "\r\n"), []byte(" "), 2)
	if len(words) < 1 {
		return &Response{lines: newRL(500, "5.5.2 Error: bad syntax")}, nil
	} else if len(words) == 1 {
		words = [][]byte{words[0], {}}
	}

	v, ok := verbs[strings.ToUpper(string(words[0]))]
	if !ok {
		c.unrecognisedCommands++
		return &Response{
			lines: newRL(500, "5.5.2 Error: command unknown"),
			final: c.unrecognisedCommands > maxUnrecognisedCommands,
		}, nil
	}
	return v.Run(c, ctx, words[1])
}

// Serve processes an SMTP conversation, closing the connections etc. when done.
func (c *Connection) Serve(parentCtx context.Context) {
	c.conn = c.plainConn
	c.name = c.plainConn.RemoteAddr().String()
	if c.name == "" {
		c.name = "[unknown]"
	}

	c.logger.Printf("[INFO] Connection from %s", c.name)

	ctx, cancelFunc := context.WithCancel(parentCtx)
	defer func() {
		if c.tlsConn != nil {
			c.tlsConn.Close()
		}
		c.plainConn.Close()
		cancelFunc()
	}()

	c.rd = bufio.NewReaderSize(c.conn, 4096)
	c.wr = bufio.NewWriter(c.conn)
	c.rdwr = bufio.NewReadWriter(c.rd, c.wr)

	done := make(chan struct{})
	go func() {
		if err := c.serveLoop(ctx); err != nil {
			c.logger.Printf("[DEBUG] Server loop return %v", err)
		}
		close(done)
	}()
	select {
	case <-ctx.Done():
		c.logger.Printf("[INFO] Parent forced close for %s", c.name)
	case <-done:
		c.logger.Printf("[INFO] Child quit for %s", c.name)
	}
}

// serveLoop is an internal routine that processes an SMTP conversation.
func (c *Connection) serveLoop(ctx context.Context) error {
	if err := c.Send(&Response{
		lines: newRL(220, fmt.Sprintf("%s ESMTP %s", c.params.GreetingHostname, c.params.GreetingMailserver)),
	}); err != nil {
		return err
	}

	c.logger.Println("[DEBUG] Starting server loop")

	for {
		cmd, err := c.Receive()
		if err != nil {
			return err
		}
		if cmd.invalid {
			if err := c.Send(&Response{lines: newRL(500, "5.5.0 Error: invalid line length")}); err != nil {
				return err
			}
			continue
		}
		resp, err := c.Process(ctx, cmd)
		if err != nil {
			return err
		}
		if err := c.Send(resp); err != nil {
			return err
		}
		if resp.final {
			break
		}
	}
	return nil
}
