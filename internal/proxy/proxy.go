// Package proxy implements the Acceptor and Forwarder: the per-connection
// TCP accept loop that gates on backend availability, dials the backend,
// and copies bytes bidirectionally once connected (spec.md §4.5).
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sero-proxy/sero/internal/gate"
	"github.com/sero-proxy/sero/internal/lastseen"
	"github.com/sero-proxy/sero/internal/metrics"
)

// Activator is the subset of the Activation Controller the Acceptor
// needs. The Acceptor never mutates Gate or controller state directly; it
// only signals (spec.md §4.5) and waits for the Gate to open.
type Activator interface {
	RequestActivation()
}

const dialTimeout = 10 * time.Second

// dialRetryBackoff bounds how fast a connection re-dials after a failure
// when the gate never actually leaves true (the common case: the
// Controller calls Set(true) unconditionally at the end of every
// activation, so WaitFor(true) returns immediately rather than parking
// for a real edge). Without this, a backend that's slow to come up would
// turn into a tight dial loop.
const dialRetryBackoff = 200 * time.Millisecond

// Server accepts TCP connections and forwards each to a fixed backend
// address once the Gate reports the backend up.
type Server struct {
	backendAddr string
	gate        *gate.Gate
	activator   Activator
	lastSeen    *lastseen.Tracker
	metric      *metrics.Metrics
	logger      *slog.Logger

	// conns tracks in-flight handle goroutines so Shutdown can give them a
	// bounded grace period to drain instead of being killed mid-copy when
	// the process exits (spec.md §5 "Cancellation & shutdown").
	conns sync.WaitGroup
}

// New builds a Server. backendAddr is the stable in-cluster service
// address the controller's Router swaps routing for, not a pod IP.
func New(backendAddr string, g *gate.Gate, activator Activator, ls *lastseen.Tracker, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backendAddr: backendAddr,
		gate:        g,
		activator:   activator,
		lastSeen:    ls,
		metric:      m,
		logger:      logger,
	}
}

// Run accepts connections from listener until ctx is cancelled or the
// listener is closed. Each connection is handled in its own goroutine.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Shutdown waits for all in-flight connections to finish, or for ctx to
// be done, whichever comes first. Call it after Run has returned so new
// connections can no longer arrive while draining the existing ones.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handle implements the per-connection loop from spec.md §4.5: wait for
// the gate, dial, stamp last-seen, forward. On dial failure it signals
// connection-failure and waits for the gate to open before retrying.
func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer client.Close()

	for {
		if !s.gate.Get() {
			waitStart := time.Now()
			if err := s.gate.WaitFor(ctx, true); err != nil {
				return
			}
			s.metric.ObserveGateWait(time.Since(waitStart))
		}

		backend, err := net.DialTimeout("tcp", s.backendAddr, dialTimeout)
		if err != nil {
			s.logger.Debug("dial backend failed, requesting activation", "backend", s.backendAddr, "error", err)
			s.activator.RequestActivation()
			if err := s.gate.WaitFor(ctx, true); err != nil {
				return
			}
			if err := sleepCtx(ctx, dialRetryBackoff); err != nil {
				return
			}
			continue
		}

		s.lastSeen.Touch()
		s.forward(client, backend)
		return
	}
}

// sleepCtx sleeps for d or returns ctx.Err() if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forward is the byte-transparent bidirectional copy primitive (spec.md
// §1 calls this "a standard primitive" and explicitly out of core scope).
// Two goroutines running io.Copy in opposite directions is the idiomatic
// Go equivalent of the original's tokio::io::copy_bidirectional.
func (s *Server) forward(client, backend net.Conn) {
	defer backend.Close()

	var toBackend, fromBackend int64
	done := make(chan struct{}, 2)

	go func() {
		n, err := io.Copy(backend, client)
		toBackend = n
		if err != nil {
			s.logger.Debug("copy to backend ended", "error", err)
		}
		if tc, ok := backend.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		n, err := io.Copy(client, backend)
		fromBackend = n
		if err != nil {
			s.logger.Debug("copy from backend ended", "error", err)
		}
		if tc, ok := client.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done

	s.metric.IncConnectionsProxied()
	s.metric.AddBytes(toBackend, fromBackend)
	s.logger.Debug("connection ended", "bytes_to_backend", toBackend, "bytes_from_backend", fromBackend)
}
