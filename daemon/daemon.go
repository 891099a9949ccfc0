// Package daemon implements the accept-loop state machine:
// a single listening endpoint that accepts connections and dispatches each
// to the upload-pack or receive-pack service, according to which is
// enabled for the resolved repository.
package daemon

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanogit-core/gitcore/log"
	"github.com/nanogit-core/gitcore/retry"
)

// State is one of the accept loop's four states.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRunning = errors.New("daemon: already running")
	ErrNotRunning     = errors.New("daemon: not running")
)

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithIOTimeout bounds every individual read and write a connection
// performs. Zero, the default, means no deadline.
func WithIOTimeout(d time.Duration) Option {
	return func(daemon *Daemon) { daemon.ioTimeout = d }
}

// WithUploadPackHandler registers the handler dispatched to for the
// git-upload-pack service. Left nil, upload-pack is reported not enabled
// for every repository: generating a fetch response pack from a
// negotiation is outside this module's scope, so a caller that wants to
// serve fetches supplies its own handler.
func WithUploadPackHandler(h ServiceHandler) Option {
	return func(daemon *Daemon) { daemon.uploadHandler = h }
}

// WithReceivePackHandler overrides the built-in receive-pack handler,
// which otherwise wires straight to receive.Receive using the resolved
// Repository's store, walker, and policy.
func WithReceivePackHandler(h ServiceHandler) Option {
	return func(daemon *Daemon) { daemon.receiveHandler = h }
}

// Daemon owns one listening endpoint and the workers serving its
// connections.
type Daemon struct {
	resolver RepositoryResolver

	ioTimeout      time.Duration
	uploadHandler  ServiceHandler
	receiveHandler ServiceHandler

	mu       sync.Mutex
	state    State
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
}

// New returns an idle Daemon that resolves repositories through resolver.
func New(resolver RepositoryResolver, opts ...Option) *Daemon {
	d := &Daemon{resolver: resolver, receiveHandler: handleReceivePack}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State reports the daemon's current state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start runs the accept loop over listener until ctx is cancelled or Stop
// is called, draining in-flight workers before returning:
// Idle/Stopped --start()--> Running --close--> Stopping --drain--> Stopped.
// It blocks for the daemon's whole run; call it from its own goroutine to
// manage a daemon concurrently with the rest of a program.
func (d *Daemon) Start(ctx context.Context, listener net.Listener) error {
	d.mu.Lock()
	if d.state == StateRunning {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	d.state = StateRunning
	d.listener = listener
	d.cancel = cancel
	d.group = g
	d.mu.Unlock()

	g.Go(func() error { return d.acceptLoop(gctx, listener) })

	err := g.Wait()

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()

	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Stop closes the listening socket and cancels the accept loop's context,
// transitioning Running to Stopping. In-flight workers are given no
// deadline here; Start returns once they have all drained. Calling Stop
// while not Running reports ErrNotRunning.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.state = StateStopping
	cancel := d.cancel
	listener := d.listener
	d.mu.Unlock()

	cancel()
	if listener != nil {
		return listener.Close()
	}
	return nil
}

func (d *Daemon) acceptLoop(ctx context.Context, listener net.Listener) error {
	d.mu.Lock()
	sharedGroup := d.group
	d.mu.Unlock()

	for {
		// Transient accept errors (timeouts, fd exhaustion) are retried per
		// the retrier installed on ctx; the NoopRetrier default fails fast.
		conn, err := retry.Do(ctx, func() (net.Conn, error) { return listener.Accept() })
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		sharedGroup.Go(func() error {
			d.serveConn(ctx, conn)
			return nil
		})
	}
}

// serveConn handles one connection end to end, logging rather than
// propagating its own errors: one misbehaving client must not bring down
// the accept loop or any sibling worker.
func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := log.FromContextOrDiscard(ctx)

	tc := &timeoutConn{Conn: conn, timeout: d.ioTimeout}
	if err := d.dispatch(ctx, tc); err != nil {
		logger.Warn("daemon: connection failed", "remote", conn.RemoteAddr(), "error", err)
	}
}

// timeoutConn resets both read and write deadlines before every operation,
// so a configured IO timeout bounds each individual read/write rather than
// the connection's total lifetime.
type timeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}
