package engine

import (
	"context"
	"log"
	"net"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/abligh/proxsmtpd/internal/filter"
)

// This can be used as the destination for a logger and it'll map them into
// calls to testing.T.Log, so that you only see the logging for failed
// tests.
type testLoggerAdapter struct {
	t      *testing.T
	prefix string
}

func (a *testLoggerAdapter) Write(d []byte) (int, error) {
	if d[len(d)-1] == '\n' {
		d = d[:len(d)-1]
	}
	if a.prefix != "" {
		l := a.prefix + ": " + string(d)
		a.t.Log(l)
		return len(l), nil
	}
	a.t.Log(string(d))
	return len(d), nil
}

func newTestLogger(t *testing.T) *log.Logger {
	return log.New(&testLoggerAdapter{t: t}, "", log.Lmicroseconds)
}

type SMTPClient struct {
	*smtp.Client
}

// Cmd is a convenience function that sends a command and returns the
// response, adapted from the stdlib net/smtp internals.
func (c *SMTPClient) Cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)
	return c.Text.ReadResponse(expectCode)
}

func (c *SMTPClient) Expand(addr string) error {
	_, _, err := c.Cmd(250, "EXPN %s", addr)
	return err
}

func (c *SMTPClient) Help() error {
	_, _, err := c.Cmd(250, "HELP")
	return err
}

func (c *SMTPClient) Noop() error {
	_, _, err := c.Cmd(250, "NOOP")
	return err
}

func (c *SMTPClient) NoopLong() error {
	_, _, err := c.Cmd(250, "NOOP", strings.Repeat("x", 4096))
	return err
}

func (c *SMTPClient) BadMail(addr string) error {
	_, _, err := c.Cmd(250, "MAIL FROM", addr) // note missing colon
	return err
}

func (c *SMTPClient) BadRcpt(addr string) error {
	_, _, err := c.Cmd(250, "RCPT TO", addr) // note missing colon
	return err
}

func (c *SMTPClient) BadEmpty() error {
	_, _, err := c.Cmd(250, "\r")
	return err
}

func (c *SMTPClient) BadNonexistant() error {
	_, _, err := c.Cmd(250, "WOMBAT")
	return err
}

// stubGate is a FilterGate with a canned Pre/Data outcome, used to drive
// the DATA-phase tests without forking a real child process.
type stubGate struct {
	preResult filter.PreResult
	preErr    error
	dataErr   error
	accept    bool
	acceptMsg string
	rejectMsg string
	seenBody  []byte
}

func (g *stubGate) CheckPre(ctx context.Context, mc filter.Framework) (filter.PreResult, error) {
	if g.preErr != nil {
		return filter.PreTerminateError, g.preErr
	}
	if g.preResult == filter.PreTerminateOK {
		mc.Accept(ctx, "")
		return filter.PreTerminateOK, nil
	}
	return filter.PreContinue, nil
}

func (g *stubGate) CheckData(ctx context.Context, mc filter.Framework) error {
	if g.dataErr != nil {
		return g.dataErr
	}
	if err := mc.CacheData(ctx); err != nil {
		return err
	}
	defer mc.DiscardData(ctx)
	r, err := mc.ReadData(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	g.seenBody = buf

	if g.accept {
		return mc.Accept(ctx, "")
	}
	msg := g.rejectMsg
	if msg == "" {
		msg = "550 Content Rejected"
	}
	return mc.Reject(ctx, msg)
}

type TestConnection struct {
	sc      net.Conn
	cc      net.Conn
	ic      *Connection
	ctx     context.Context
	cancel  context.CancelFunc
	client  *SMTPClient
	timeout *time.Timer
	gate    *stubGate
}

func NewTestConnection(t *testing.T) *TestConnection {
	sc, cc := net.Pipe()
	gate := &stubGate{accept: true}
	ic, _ := newConnection(nil, newTestLogger(t), sc, gate, nil)
	tc := &TestConnection{
		sc:   sc,
		cc:   cc,
		ic:   ic,
		gate: gate,
	}
	cc.SetDeadline(time.Now().Add(5 * time.Second))

	tc.ctx, tc.cancel = context.WithCancel(context.Background())

	tc.timeout = time.AfterFunc(10*time.Second, func() {
		t.Log("[FATAL] Abort after timeout")
		tc.Close()
	})

	go ic.Serve(tc.ctx)

	return tc
}

func (tc *TestConnection) Connect() error {
	client, err := smtp.NewClient(tc.cc, "localhost")
	if err != nil {
		return err
	}
	tc.client = &SMTPClient{client}
	return nil
}

func (tc *TestConnection) Close() error {
	tc.timeout.Stop()
	tc.cancel()
	if tc.client != nil {
		tc.client.Close()
	}
	tc.cc.Close()
	return nil
}

func TestConnect(t *testing.T) {
	tc := NewTestConnection(t)
	defer tc.Close()

	if err := tc.Connect(); err != nil {
		t.Fatalf("Cannot connect to server: %v", err)
	}

	if err := tc.client.Quit(); err != nil {
		t.Fatal("Cannot send quit to server")
	} else {
		tc.client = nil
	}
}

func TestHello(t *testing.T) {
	tc := NewTestConnection(t)
	defer tc.Close()

	if err := tc.Connect(); err != nil {
		t.Fatalf("Cannot connect to server: %v", err)
	}

	if err := tc.client.Hello("localhost"); err != nil {
		t.Fatalf("Cannot say hello to server: %v", err)
	}

	if err := tc.client.Quit(); err != nil {
		t.Fatal("Cannot send quit to server")
	} else {
		tc.client = nil
	}
}

func TestVrfyExpnHelpNoop(t *testing.T) {
	tc := NewTestConnection(t)
	defer tc.Close()

	if err := tc.Connect(); err != nil {
		t.Fatalf("Cannot connect to server: %v", err)
	}

	if err := tc.client.Hello("localhost"); err != nil {
		t.Fatalf("Cannot say hello to server: %v", err)
	}

	if err := tc.client.Verify("aa"); err == nil {
		t.Fatalf("VRFY unexpectedly worked")
	}

	if err := tc.client.Expand("aa"); err == nil {
		t.Fatalf("EXPN unexpectedly worked")
	}

	if err := tc.client.Help(); err != nil {
		t.Fatalf("Cannot execute HELP: %v", err)
	}

	if err := tc.client.Noop(); err != nil {
		t.Fatalf("Cannot execute Noop: %v", err)
	}

	if err := tc.client.NoopLong(); err == nil {
		t.Fatalf("Unexpectedly could execute command with too long line")
	}

	if err := tc.client.BadEmpty(); err == nil {
		t.Fatalf("Unexpectedly could execute bad empty command")
	}

	if err := tc.client.BadNonexistant(); err == nil {
		t.Fatalf("Unexpectedly could execute bad non-existant command")
	}

	if err := tc.client.Quit(); err != nil {
		t.Fatal("Cannot send quit to server")
	} else {
		tc.client = nil
	}
}

func TestAddressingSequencing(t *testing.T) {
	tc := NewTestConnection(t)
	defer tc.Close()

	if err := tc.Connect(); err != nil {
		t.Fatalf("Cannot connect to server: %v", err)
	}

	if err := tc.client.Hello("localhost"); err != nil {
		t.Fatalf("Cannot execute EHLO: %v", err)
	}

	if err := tc.client.Rcpt("a@b"); err == nil {
		t.Fatalf("Accepted 'RCPT TO' before MAIL")
	}

	if err := tc.client.Mail("aa"); err == nil {
		t.Fatalf("Incorrectly executed bad 'MAIL FROM'")
	}

	if err := tc.client.BadMail("a@a"); err == nil {
		t.Fatalf("Incorrectly executed bad 'MAIL FROM' (no colon)")
	}

	if err := tc.client.Mail("a@b"); err != nil {
		t.Fatalf("Cannot execute 'MAIL FROM' to server: %v", err)
	}

	if err := tc.client.Mail("a@b"); err == nil {
		t.Fatalf("Accepted second 'MAIL FROM'")
	}

	if err := tc.client.Rcpt("a@b"); err != nil {
		t.Fatalf("Cannot execute 'RCPT TO': %v", err)
	}

	if err := tc.client.Rcpt("aa"); err == nil {
		t.Fatalf("Incorrectly executed bad 'RCPT TO'")
	}

	if err := tc.client.BadRcpt("a@a"); err == nil {
		t.Fatalf("Incorrectly executed bad 'RCPT TO' (no colon)")
	}

	if err := tc.client.Reset(); err != nil {
		t.Fatalf("Cannot execute RSET: %v", err)
	}

	if err := tc.client.Rcpt("a@b"); err == nil {
		t.Fatalf("RSET appears not to have ended transaction")
	}

	if err := tc.client.Mail("a@b"); err != nil {
		t.Fatalf("Cannot execute 'MAIL FROM' after RSET: %v", err)
	}

	if err := tc.client.Rcpt("a@b"); err != nil {
		t.Fatalf("Cannot execute 'RCPT TO' after RSET: %v", err)
	}

	if err := tc.client.Quit(); err != nil {
		t.Fatalf("Cannot send QUIT: %v", err)
	} else {
		tc.client = nil
	}
}

func TestDataAccepted(t *testing.T) {
	tc := NewTestConnection(t)
	defer tc.Close()
	tc.gate.accept = true

	if err := tc.Connect(); err != nil {
		t.Fatalf("Cannot connect to server: %v", err)
	}

	if err := tc.client.Hello("localhost"); err != nil {
		t.Fatalf("Cannot execute EHLO: %v", err)
	}

	if writer, err := tc.client.Data(); err == nil {
		t.Fatalf("Incorrectly executed 'DATA' before MAIL FROM")
	} else if writer != nil {
		writer.Close()
	}

	if err := tc.client.Mail("a@b"); err != nil {
		t.Fatalf("Cannot execute 'MAIL FROM' to server: %v", err)
	}

	if writer, err := tc.client.Data(); err == nil {
		t.Fatalf("Incorrectly executed 'DATA' before RCPT TO")
	} else if writer != nil {
		writer.Close()
	}

	if err := tc.client.Rcpt("a@b"); err != nil {
		t.Fatalf("Cannot execute 'RCPT TO': %v", err)
	}

	writer, err := tc.client.Data()
	if err != nil {
		t.Fatalf("Cannot execute 'DATA': %v", err)
	}
	// do not put broken line endings in here (e.g. \n rather than \r\n)
	// and ensure you end with a \r, as otherwise golang's smtp sender
	// fixes them up
	towrite := []byte("Subject: test\r\n\r\nA line\r\n\r\n.begins with a dot\r\n\r\n.\r\nmore\r\nthat's all folks!\r\n")
	if n, err := writer.Write(towrite); err != nil || n != len(towrite) {
		t.Fatalf("Write failed err=%v len=%d (expecting %d)", err, n, len(towrite))
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if string(tc.gate.seenBody) != string(towrite) {
		t.Fatalf("Gate did not see the written message body unchanged")
	}

	if err := tc.client.Quit(); err != nil {
		t.Fatalf("Cannot send QUIT: %v", err)
	} else {
		tc.client = nil
	}
}

func TestDataRejected(t *testing.T) {
	tc := NewTestConnection(t)
	defer tc.Close()
	tc.gate.accept = false
	tc.gate.rejectMsg = "550 5.7.1 rejected by policy"

	if err := tc.Connect(); err != nil {
		t.Fatalf("Cannot connect to server: %v", err)
	}
	if err := tc.client.Hello("localhost"); err != nil {
		t.Fatalf("Cannot execute EHLO: %v", err)
	}
	if err := tc.client.Mail("a@b"); err != nil {
		t.Fatalf("Cannot execute 'MAIL FROM': %v", err)
	}
	if err := tc.client.Rcpt("a@b"); err != nil {
		t.Fatalf("Cannot execute 'RCPT TO': %v", err)
	}

	writer, err := tc.client.Data()
	if err != nil {
		t.Fatalf("Cannot execute 'DATA': %v", err)
	}
	towrite := []byte("Subject: test\r\n\r\nbody\r\n")
	if _, err := writer.Write(towrite); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := writer.Close(); err == nil {
		t.Fatalf("Close succeeded when the message should have been rejected")
	}

	if err := tc.client.Quit(); err != nil {
		t.Fatalf("Cannot send QUIT: %v", err)
	} else {
		tc.client = nil
	}
}

func sendOversizeData(t *testing.T, unit string, count int, max int) error {
	tc := NewTestConnection(t)
	defer tc.Close()

	tc.ic.params.MaxMessageSize = max

	if err := tc.Connect(); err != nil {
		t.Fatalf("Cannot connect to server: %v", err)
	}

	if err := tc.client.Hello("localhost"); err != nil {
		t.Fatalf("Cannot execute EHLO: %v", err)
	}
	if err := tc.client.Reset(); err != nil {
		t.Fatalf("Cannot execute RSET to server: %v", err)
	}

	if err := tc.client.Mail("a@b"); err != nil {
		t.Fatalf("Cannot execute 'MAIL FROM' to server: %v", err)
	}

	if err := tc.client.Rcpt("a@b"); err != nil {
		t.Fatalf("Cannot execute 'RCPT TO': %v", err)
	}

	writer, err := tc.client.Data()
	if err != nil {
		t.Fatalf("Cannot execute 'DATA': %v", err)
	}
	towrite := []byte(strings.Repeat(unit, count))
	if n, err := writer.Write(towrite); err != nil || n != len(towrite) {
		t.Logf("Write failed err=%v len=%d (expecting %d)", err, n, len(towrite))
		return err
	}

	errClose := writer.Close()

	if err := tc.client.Quit(); err != nil {
		t.Fatalf("Cannot send QUIT: %v", err)
	} else {
		tc.client = nil
	}

	return errClose
}

func TestDataOversize(t *testing.T) {
	if err := sendOversizeData(t, "x\n", 1024*1024, 4*1024*1024); err != nil {
		t.Fatalf("Cannot send 2M message")
	}

	if err := sendOversizeData(t, "x\n", 1024*1024, 1024*1024); err == nil { // note twice as long as maximum
		t.Fatalf("Oversize detection failure 1")
	}

	if err := sendOversizeData(t, "x", 2*1024*1024, 1024*1024); err == nil { // note twice as long as maximum
		t.Fatalf("Oversize detection failure 2")
	}
}
