// Package rti implements the startup-synchronization coordinator for
// one federation run: accept one connection per federate, gather the
// proposed start instants through the barrier, and reply to every
// federate with the agreed maximum.
package rti

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ReactorMesh/federation-rti/internal/audit"
	"github.com/ReactorMesh/federation-rti/internal/barrier"
	"github.com/ReactorMesh/federation-rti/internal/metrics"
	"github.com/ReactorMesh/federation-rti/internal/wire"
)

// ErrAborted reports that the federation was abandoned because the
// barrier deadline elapsed before every federate proposed.
var ErrAborted = errors.New("rti: federation aborted before synchronization")

// Auditor publishes lifecycle events. A nil Auditor disables auditing.
type Auditor interface {
	Publish(ctx context.Context, event audit.Event) error
}

// Config holds the immutable parameters of one federation run.
type Config struct {
	ListenAddr     string
	FederationSize int

	// AcceptTimeout bounds how long the server waits for all federates
	// to connect. Zero waits forever.
	AcceptTimeout time.Duration

	BarrierTimeout time.Duration
	FederationID   string
}

// Server owns the listener lifecycle and one handler per federate.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Recorder
	auditor Auditor
	barrier *barrier.Barrier

	listener  net.Listener
	cancel    context.CancelFunc
	abortOnce sync.Once

	mu    sync.Mutex
	slots []slot

	timedOut atomic.Bool
}

// slot records one accepted federate connection, written once by the
// accept loop and owned by its handler afterwards.
type slot struct {
	ordinal int
	conn    net.Conn
}

// New builds a server for one federation run.
func New(cfg Config, logger *zap.Logger, recorder *metrics.Recorder, auditor Auditor) (*Server, error) {
	if cfg.FederationSize < 1 {
		return nil, fmt.Errorf("rti: federation size must be positive, got %d", cfg.FederationSize)
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("rti: listen address required")
	}
	if logger == nil {
		return nil, fmt.Errorf("rti: logger required")
	}
	b, err := barrier.New(cfg.FederationSize, cfg.BarrierTimeout)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: recorder,
		auditor: auditor,
		barrier: b,
		slots:   make([]slot, 0, cfg.FederationSize),
	}, nil
}

// Listen binds the server socket. Failure here is fatal to the
// federation: without a listener no federation can form.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("rti: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.logger.Info("rti listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("federation_size", s.cfg.FederationSize),
		zap.String("federation_id", s.cfg.FederationID))
	return nil
}

// Addr returns the bound listen address, valid after Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts exactly FederationSize connections, runs one handler
// per federate, and blocks until every handler has finished. Accept
// failures before the federation is complete are fatal and returned.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("rti: Serve called before Listen")
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	defer s.release()

	// Tear everything down when the caller gives up on the federation.
	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	if s.cfg.AcceptTimeout > 0 {
		if tl, ok := s.listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.FederationSize; i++ {
		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.timedOut.Store(true)
				s.logger.Error("accept deadline elapsed before all federates connected",
					zap.Duration("accept_timeout", s.cfg.AcceptTimeout),
					zap.Int("connected", i),
					zap.Int("federation_size", s.cfg.FederationSize))
			}
			s.abort()
			wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.timedOut.Load() {
				s.publish(ctx, audit.Event{Type: audit.EventAborted, Federate: -1})
				return ErrAborted
			}
			return fmt.Errorf("rti: accept federate %d: %w", i, err)
		}
		s.mu.Lock()
		s.slots = append(s.slots, slot{ordinal: i, conn: conn})
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.ObserveAccepted()
		}
		s.logger.Info("federate connected",
			zap.Int("federate", i),
			zap.String("remote", conn.RemoteAddr().String()))
		s.publish(ctx, audit.Event{Type: audit.EventFederateConnected, Federate: i})

		wg.Add(1)
		go func(ordinal int, conn net.Conn) {
			defer wg.Done()
			s.handle(sctx, ordinal, conn)
		}(i, conn)
	}

	s.logger.Info("all federates connected, awaiting proposals")
	wg.Wait()

	if s.timedOut.Load() {
		s.publish(ctx, audit.Event{Type: audit.EventAborted, Federate: -1})
		return ErrAborted
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	agreed, ok := s.barrier.Agreed()
	if !ok {
		// Every handler exited without the barrier releasing: all
		// remaining federates dropped before proposing.
		return ErrAborted
	}
	if s.metrics != nil {
		s.metrics.SetAgreedInstant(agreed)
	}
	s.logger.Info("federation synchronized",
		zap.Int64("agreed_start_time", agreed),
		zap.Int("federation_size", s.cfg.FederationSize))
	s.publish(ctx, audit.Event{Type: audit.EventSynchronized, Federate: -1, Instant: agreed})
	return nil
}

// Run binds and serves in one step.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// handle performs one startup exchange: read the proposal, enter the
// barrier, send the agreed instant back, close the connection. All
// failures here are contained to this federate.
func (s *Server) handle(ctx context.Context, ordinal int, conn net.Conn) {
	defer conn.Close()

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		var typeErr *wire.UnexpectedTypeError
		if errors.As(err, &typeErr) {
			// Lenient policy: log the violation and fold the decoded
			// instant into the max anyway.
			s.logger.Warn("unexpected message type from federate, using instant anyway",
				zap.Int("federate", ordinal),
				zap.Uint8("got", typeErr.Got),
				zap.Uint8("want", wire.MsgTimestamp))
			if s.metrics != nil {
				s.metrics.ObserveProtocolViolation()
			}
		} else {
			if errors.Is(err, wire.ErrPeerClosed) {
				s.logger.Warn("federate disconnected before proposing",
					zap.Int("federate", ordinal))
			} else {
				s.logger.Warn("failed to read proposal from federate",
					zap.Int("federate", ordinal),
					zap.Error(err))
			}
			if s.metrics != nil {
				s.metrics.ObserveDropped()
			}
			s.publish(ctx, audit.Event{Type: audit.EventFederateDropped, Federate: ordinal})
			return
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveProposal()
	}
	s.logger.Info("proposal received",
		zap.Int("federate", ordinal),
		zap.Int64("proposed_start_time", msg.Instant))
	s.publish(ctx, audit.Event{Type: audit.EventProposalReceived, Federate: ordinal, Instant: msg.Instant})

	waitStart := time.Now()
	agreed, err := s.barrier.Propose(ctx, msg.Instant)
	if s.metrics != nil {
		s.metrics.ObserveBarrierWait(time.Since(waitStart))
		s.metrics.SetBarrierPending(s.barrier.Pending())
	}
	if err != nil {
		if errors.Is(err, barrier.ErrTimeout) {
			s.timedOut.Store(true)
			s.logger.Error("barrier deadline elapsed, aborting federation",
				zap.Int("federate", ordinal),
				zap.Duration("timeout", s.cfg.BarrierTimeout),
				zap.Int("pending", s.barrier.Pending()))
			// Unblock the handlers still reading from federates that
			// never proposed, otherwise the join never completes.
			s.abort()
		} else {
			s.logger.Warn("barrier wait ended early",
				zap.Int("federate", ordinal),
				zap.Error(err))
		}
		return
	}

	if err := wire.WriteMessage(conn, wire.Message{Type: wire.MsgTimestamp, Instant: agreed}); err != nil {
		// No retry: the federate is on its own if it cannot take the
		// reply, the rest of the federation already has it.
		s.logger.Error("failed to send agreed start time",
			zap.Int("federate", ordinal),
			zap.Error(err))
		if s.metrics != nil {
			s.metrics.ObserveReplyFailure()
		}
		s.publish(ctx, audit.Event{Type: audit.EventReplyFailed, Federate: ordinal, Instant: agreed})
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveReplySent()
	}
	s.logger.Debug("agreed start time delivered",
		zap.Int("federate", ordinal),
		zap.Int64("agreed_start_time", agreed))
}

// abort unblocks everything still waiting on the federation: pending
// accepts, handlers blocked reading a proposal, and barrier waiters.
func (s *Server) abort() {
	s.abortOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		conns := make([]net.Conn, 0, len(s.slots))
		for _, sl := range s.slots {
			conns = append(conns, sl.conn)
		}
		s.mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
}

// release tears down and clears the slot table. Handlers own their
// connections, but closing here guarantees nothing leaks on error
// paths where a handler never ran to completion.
func (s *Server) release() {
	s.abort()
	s.mu.Lock()
	s.slots = nil
	s.mu.Unlock()
}

func (s *Server) publish(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.FederationID = s.cfg.FederationID
	if err := s.auditor.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish audit event",
			zap.String("event", string(event.Type)),
			zap.Error(err))
	}
}
