package engine

import (
	"context"
	"log"
	"net"
	"sync"

	"github.com/abligh/proxsmtpd/internal/filter"
)

// ListenerConfig describes one server socket and the filter behavior new
// connections accepted on it should use.
type ListenerConfig struct {
	Protocol     string // "tcp", "unix", ...
	Address      string
	FilterConfig *filter.Config
	ConnParams   *ConnectionParameters
	DebugFiles   bool
}

// Listener owns a single accept loop and spawns a Connection (wired to a
// filter.Dispatcher built from FilterConfig) for each inbound socket.
type Listener struct {
	logger     *log.Logger
	cfg        ListenerConfig
	ln         net.Listener
	debugFiles bool
}

// NewListener creates (but does not yet run) a Listener bound to cfg.
func NewListener(logger *log.Logger, cfg ListenerConfig) (*Listener, error) {
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	ln, err := net.Listen(protocol, cfg.Address)
	if err != nil {
		return nil, err
	}
	return &Listener{
		logger:     logger,
		cfg:        cfg,
		ln:         ln,
		debugFiles: cfg.DebugFiles,
	}, nil
}

// Listen accepts connections until ctx is cancelled, serving each one in
// its own goroutine tracked by sessionWaitGroup under sessionParentCtx so
// that cancelling ctx (e.g. on SIGHUP) stops the accept loop without
// killing sessions already in flight.
func (l *Listener) Listen(ctx context.Context, sessionParentCtx context.Context, sessionWaitGroup *sync.WaitGroup) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	dispatcher := filter.NewDispatcher(l.cfg.FilterConfig)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				l.logger.Printf("[ERROR] Accept failed on %s:%s: %v", l.cfg.Protocol, l.cfg.Address, err)
				return
			}
		}

		sessionWaitGroup.Add(1)
		go func() {
			defer sessionWaitGroup.Done()
			c, err := newConnection(l, l.logger, conn, dispatcher, l.cfg.ConnParams)
			if err != nil {
				l.logger.Printf("[ERROR] Could not create connection: %v", err)
				conn.Close()
				return
			}
			c.Serve(sessionParentCtx)
		}()
	}
}
