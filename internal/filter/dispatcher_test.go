package filter

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// testFramework is a minimal filter.Framework backed by temp files, used
// to drive the Dispatcher end to end without a real SMTP connection.
type testFramework struct {
	sender     string
	recipients []string
	helo       string
	client     string
	body       []byte

	cachePath    string
	filteredPath string

	accepted  bool
	rejected  bool
	rejectMsg string
	logs      []string
	quit      bool
}

func newTestFramework(body []byte) *testFramework {
	return &testFramework{
		sender:     "sender@example.org",
		recipients: []string{"recipient@example.net"},
		helo:       "client.example.org",
		client:     "192.0.2.1:54321",
		body:       body,
	}
}

func (f *testFramework) Sender() string        { return f.sender }
func (f *testFramework) Recipients() []string  { return f.recipients }
func (f *testFramework) HeloName() string      { return f.helo }
func (f *testFramework) ClientAddress() string { return f.client }
func (f *testFramework) IsQuit() bool          { return f.quit }
func (f *testFramework) AddLog(key, value string) {
	f.logs = append(f.logs, key+"="+value)
}

func (f *testFramework) CacheData(ctx context.Context) error {
	if f.cachePath != "" {
		return nil
	}
	tf, err := os.CreateTemp("", "filter-test-in-*.eml")
	if err != nil {
		return err
	}
	defer tf.Close()
	if _, err := tf.Write(f.body); err != nil {
		return err
	}
	f.cachePath = tf.Name()
	return nil
}

func (f *testFramework) CachePath() string { return f.cachePath }

func (f *testFramework) ReadData(ctx context.Context) (DataReader, error) {
	return os.Open(f.cachePath)
}

func (f *testFramework) WriteData(ctx context.Context) (DataWriter, error) {
	tf, err := os.CreateTemp("", "filter-test-out-*.eml")
	if err != nil {
		return nil, err
	}
	f.filteredPath = tf.Name()
	return tf, nil
}

func (f *testFramework) DiscardData(ctx context.Context) {
	if f.cachePath != "" {
		os.Remove(f.cachePath)
	}
	if f.filteredPath != "" {
		os.Remove(f.filteredPath)
	}
}

func (f *testFramework) Accept(ctx context.Context, header string) error {
	f.accepted = true
	return nil
}

func (f *testFramework) Reject(ctx context.Context, message string) error {
	f.rejected = true
	f.rejectMsg = message
	return nil
}

func TestDispatcherPipeAccept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = TypePipe
	cfg.Command = "/bin/cat"
	cfg.Timeout = 5
	d := NewDispatcher(cfg)

	body := []byte("Subject: hi\r\n\r\nhello world\r\n")
	fw := newTestFramework(body)

	err := d.CheckData(context.Background(), fw)
	require.NoError(t, err)
	require.True(t, fw.accepted)
	require.False(t, fw.rejected)

	filtered, err := os.ReadFile(fw.filteredPath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(filtered, body))
}

func TestDispatcherPipeReject(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = TypePipe
	cfg.Command = "/bin/false"
	cfg.Timeout = 5
	d := NewDispatcher(cfg)

	fw := newTestFramework([]byte("anything"))

	err := d.CheckData(context.Background(), fw)
	require.NoError(t, err)
	require.False(t, fw.accepted)
	require.True(t, fw.rejected)
}

func TestDispatcherPipeBypassesWhenCommandUnset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = TypePipe
	cfg.Command = ""
	d := NewDispatcher(cfg)

	body := []byte("Subject: hi\r\n\r\nhello world\r\n")
	fw := newTestFramework(body)

	err := d.CheckData(context.Background(), fw)
	require.NoError(t, err)
	require.True(t, fw.accepted)
	require.False(t, fw.rejected)

	filtered, err := os.ReadFile(fw.filteredPath)
	require.NoError(t, err)
	require.True(t, bytes.Equal(filtered, body))

	found := false
	for _, l := range fw.logs {
		if l == "filter_bypass=no FilterCommand configured; delivering unfiltered" {
			found = true
		}
	}
	require.True(t, found, "expected a filter_bypass log entry, got %v", fw.logs)
}

func TestDispatcherRejectType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = TypeReject
	cfg.RejectMessage = "550 no thanks"
	d := NewDispatcher(cfg)

	fw := newTestFramework([]byte("anything"))

	pre, err := d.CheckPre(context.Background(), fw)
	require.NoError(t, err)
	require.Equal(t, PreTerminateOK, pre)
	require.True(t, fw.rejected)
	require.Equal(t, "550 no thanks", fw.rejectMsg)
}
