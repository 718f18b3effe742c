package filter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRelay starts a minimal downstream SMTP server on an ephemeral port
// that scripts its RCPT TO responses from rcptResponses (falling back to
// "250 OK" for any recipient beyond the scripted list), accepts DATA
// otherwise, and reports whether it ever saw a DATA command via dataSeen.
func fakeRelay(t *testing.T, rcptResponses []string) (addr string, dataSeen *int32, done chan struct{}) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	dataSeen = new(int32)
	done = make(chan struct{})

	go func() {
		defer close(done)
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		fmt.Fprint(conn, "220 fake relay ready\r\n")

		rcptN := 0
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)

			switch {
			case strings.HasPrefix(line, "EHLO"):
				fmt.Fprint(conn, "250 fake relay\r\n")
			case strings.HasPrefix(line, "XCLIENT"):
				fmt.Fprint(conn, "220 2.0.0 OK\r\n")
			case strings.HasPrefix(line, "MAIL FROM"):
				fmt.Fprint(conn, "250 OK\r\n")
			case strings.HasPrefix(line, "RCPT TO"):
				resp := "250 OK"
				if rcptN < len(rcptResponses) {
					resp = rcptResponses[rcptN]
				}
				rcptN++
				fmt.Fprintf(conn, "%s\r\n", resp)
			case strings.HasPrefix(line, "RSET"):
				fmt.Fprint(conn, "250 OK\r\n")
			case strings.HasPrefix(line, "DATA"):
				atomic.StoreInt32(dataSeen, 1)
				fmt.Fprint(conn, "354 go ahead\r\n")
			case line == ".":
				fmt.Fprint(conn, "250 OK: queued\r\n")
			case strings.HasPrefix(line, "QUIT"):
				fmt.Fprint(conn, "221 bye\r\n")
				return
			}
		}
	}()

	return ln.Addr().String(), dataSeen, done
}

func TestRunSMTPAcceptsWhenAllRecipientsAccepted(t *testing.T) {
	addr, _, done := fakeRelay(t, []string{"250 OK", "250 OK"})

	cfg := DefaultConfig()
	cfg.Type = TypeSMTP
	cfg.SMTPRelay = addr
	cfg.Timeout = 5
	d := NewDispatcher(cfg)

	fw := newTestFramework([]byte("Subject: hi\r\n\r\nhello\r\n"))
	fw.recipients = []string{"a@example.net", "b@example.net"}

	outcome, reason, err := d.runSMTP(context.Background(), fw)
	require.NoError(t, err)
	require.Equal(t, outcomeAccept, outcome)
	require.Equal(t, "", reason)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake relay did not finish")
	}
}

func TestRunSMTPRejectsOnFirstRcptFailure(t *testing.T) {
	addr, dataSeen, done := fakeRelay(t, []string{"250 OK", "550 User unknown"})

	cfg := DefaultConfig()
	cfg.Type = TypeSMTP
	cfg.SMTPRelay = addr
	cfg.Timeout = 5
	d := NewDispatcher(cfg)

	fw := newTestFramework([]byte("Subject: hi\r\n\r\nhello\r\n"))
	fw.recipients = []string{"a@example.net", "b@example.net"}

	outcome, reason, err := d.runSMTP(context.Background(), fw)
	require.NoError(t, err)
	require.Equal(t, outcomeReject, outcome)
	// readRejection puts the relay's status code back in front of the text
	// textproto.ReadResponse returns, so the reason is "550 User unknown"
	// and engine.messageContext.Reject's splitRejection keeps that code.
	require.Contains(t, reason, "User unknown")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fake relay did not finish")
	}
	require.Equal(t, int32(0), atomic.LoadInt32(dataSeen), "DATA must not be sent once any RCPT TO is rejected")
}
