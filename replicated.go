package statemap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Omena0/statemap/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultConnectTimeout bounds the outbound dial only; once a connection
// is up there is no read or write deadline at all. A hung peer can block
// a send indefinitely, which is the accepted behavior.
const DefaultConnectTimeout = 5 * time.Second

type role int32

const (
	roleUnresolved role = iota
	roleReplica
	roleHub
)

func (r role) String() string {
	switch r {
	case roleReplica:
		return "replica"
	case roleHub:
		return "hub"
	default:
		return "unresolved"
	}
}

// Replicated mirrors the state to live peers over TCP instead of a file.
//
// A fresh instance tries to connect out and become a replica of whatever
// hub listens on the address. When nothing listens there, it stays
// unresolved and purely local until Serve promotes it to the hub role.
// Roles are monotonic: a hub never reverts, and a replica that loses its
// upstream connection does not reconnect.
type Replicated struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	log   utils.Logger
	codec Codec

	host           string
	port           string
	connectTimeout time.Duration

	mu       sync.Mutex // guards role, conn, listener, the hooks and pending
	role     role
	conn     net.Conn // upstream connection, replica role only
	listener net.Listener

	// peers is owned by the hub role: handlers insert on accept and
	// anyone broadcasting removes peers whose send failed.
	peers *xsync.MapOf[string, net.Conn]

	snapshot func() State
	apply    func(State)

	// pending holds the last frame received while no container was
	// attached yet. The reader can outrun install: the hub sends its
	// catch-up exactly once, at accept, so a frame landing before the
	// hooks exist must be held and delivered at attach, not dropped.
	pending State
}

type ReplicatedOpt func(*Replicated)

func ReplicatedWithLogger(l utils.Logger) ReplicatedOpt {
	return func(r *Replicated) { r.log = l }
}

func ReplicatedWithCodec(c Codec) ReplicatedOpt {
	return func(r *Replicated) { r.codec = c }
}

func ReplicatedWithConnectTimeout(d time.Duration) ReplicatedOpt {
	return func(r *Replicated) { r.connectTimeout = d }
}

// NewReplicated takes a "host:port" address, dials it with a bounded
// timeout and returns the backend in the replica role on success. A
// refused or timed-out dial is not an error: the instance comes back
// unresolved and keeps all state local until promoted via Serve.
func NewReplicated(addr string, opts ...ReplicatedOpt) (*Replicated, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "statemap: bad address %q", addr)
	}
	return NewReplicatedHostPort(host, port, opts...), nil
}

// NewReplicatedHostPort is NewReplicated with the address already split.
func NewReplicatedHostPort(host, port string, opts ...ReplicatedOpt) *Replicated {
	r := &Replicated{
		log:            utils.NewDefaultLogger(slog.LevelInfo),
		codec:          JSONCodec{},
		host:           host,
		port:           port,
		connectTimeout: DefaultConnectTimeout,
		peers:          xsync.NewMapOf[string, net.Conn](),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.dial()
	return r
}

func (r *Replicated) addr() string {
	return net.JoinHostPort(r.host, r.port)
}

// Role reports the current replication role: "unresolved", "replica" or
// "hub".
func (r *Replicated) Role() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role.String()
}

// install attaches the container hooks. Any state buffered by the reader
// before attach is drained through apply first; the apply field is only
// published once nothing is pending, so frames keep their arrival order
// across the handover.
func (r *Replicated) install(snapshot func() State, apply func(State)) {
	r.mu.Lock()
	r.snapshot = snapshot
	r.mu.Unlock()

	for {
		r.mu.Lock()
		pending := r.pending
		r.pending = nil
		if pending == nil || apply == nil {
			r.apply = apply
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		// outside the lock: apply takes the container's own lock
		apply(pending)
	}
}

func (r *Replicated) currentState() State {
	r.mu.Lock()
	snapshot := r.snapshot
	r.mu.Unlock()
	if snapshot == nil {
		return nil
	}
	return snapshot()
}

func (r *Replicated) applyState(s State) {
	r.mu.Lock()
	apply := r.apply
	if apply == nil {
		r.pending = s
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	apply(s)
}

func (r *Replicated) dial() {
	conn, err := net.DialTimeout("tcp", r.addr(), r.connectTimeout)
	if err != nil {
		r.log.Info("replicated: no hub reachable, staying local", "addr", r.addr(), "err", err)
		return
	}
	r.mu.Lock()
	r.role = roleReplica
	r.conn = conn
	r.mu.Unlock()

	r.log.Info("replicated: connected as replica", "addr", r.addr())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readUpstream(conn)
	}()
}

// readUpstream consumes frames from the hub for as long as the single
// outbound connection lives. On connection loss the socket is closed and
// cleared; there is no automatic reconnect.
func (r *Replicated) readUpstream(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !r.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.log.Error("replicated: upstream read failed", "addr", r.addr(), "err", err)
			}
			break
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		if len(line) == 0 {
			continue
		}
		state, err := decodeFrame(r.codec, line)
		if err != nil {
			ReplicationBadFrames.WithLabelValues(roleReplica.String()).Inc()
			r.log.Warn("replicated: dropping bad frame", "addr", r.addr(), "err", err)
			continue
		}
		r.applyState(state)
	}

	conn.Close()
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.log.Info("replicated: upstream connection closed", "addr", r.addr())
	}
	r.mu.Unlock()
}

// Serve promotes the instance to the hub role and runs the accept loop on
// the calling goroutine until the listener dies or Close is called. It is
// idempotent: calling it on an instance that is already the hub returns
// immediately. A bind failure is returned to the caller; there is no
// recovery path for it.
func (r *Replicated) Serve(ctx context.Context) error {
	r.mu.Lock()
	if r.role == roleHub {
		r.mu.Unlock()
		return nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.role = roleHub
	r.mu.Unlock()

	cfg := net.ListenConfig{}
	listener, err := cfg.Listen(ctx, "tcp", r.addr())
	if err != nil {
		return errors.Wrapf(err, "statemap: bind %s", r.addr())
	}
	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()

	r.log.Info("replicated: serving", "addr", r.addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.closed.Load() || ctx.Err() != nil {
				return nil
			}
			r.log.Error("replicated: accept failed", "addr", r.addr(), "err", err)
			return err
		}

		name := fmt.Sprintf("peer:%s:%s", uuid.Must(uuid.NewV7()).String(), conn.RemoteAddr())
		r.log.Info("replicated: peer connected", "peer", name)

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.servePeer(name, conn)
		}()
	}
}

// servePeer runs on the hub for one accepted connection. The peer first
// gets the current state when there is any (late-joiner catch-up), then
// every frame it sends replaces the hub state and is fanned out to all
// other peers. A single bad frame is dropped without closing the
// connection; a read error ends the handler and removes the peer.
func (r *Replicated) servePeer(name string, conn net.Conn) {
	r.peers.Store(name, conn)
	ReplicationPeers.Inc()
	defer func() {
		r.peers.Delete(name)
		ReplicationPeers.Dec()
		conn.Close()
		r.log.Info("replicated: peer disconnected", "peer", name)
	}()

	if state := r.currentState(); len(state) > 0 {
		frame, err := encodeFrame(r.codec, state)
		if err != nil {
			r.log.Error("replicated: encode catch-up state", "peer", name, "err", err)
		} else if _, err := conn.Write(frame); err != nil {
			r.log.Warn("replicated: catch-up send failed", "peer", name, "err", err)
			return
		} else {
			ReplicationSends.WithLabelValues(roleHub.String()).Inc()
		}
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !r.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.log.Error("replicated: peer read failed", "peer", name, "err", err)
			}
			return
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		if len(line) == 0 {
			continue
		}
		state, err := decodeFrame(r.codec, line)
		if err != nil {
			ReplicationBadFrames.WithLabelValues(roleHub.String()).Inc()
			r.log.Warn("replicated: dropping bad frame", "peer", name, "err", err)
			continue
		}
		r.applyState(state)
		r.broadcast(append(line, '\n'), name)
	}
}

// broadcast fans a frame out to every connected peer except the named
// sender. A peer whose send fails is dropped from the set and closed; the
// broadcast carries on with the remaining peers.
func (r *Replicated) broadcast(frame []byte, except string) {
	r.peers.Range(func(name string, conn net.Conn) bool {
		if name == except {
			return true
		}
		if _, err := conn.Write(frame); err != nil {
			ReplicationDroppedPeers.Inc()
			r.log.Warn("replicated: dropping unreachable peer", "peer", name, "err", err)
			r.peers.Delete(name)
			conn.Close()
			return true
		}
		ReplicationSends.WithLabelValues(roleHub.String()).Inc()
		return true
	})
}

// Load is a no-op: a replicated container starts from its initial value
// and only changes through frames received on the background reader.
func (r *Replicated) Load() (State, error) {
	return nil, nil
}

// Persist transmits the whole state: a hub broadcasts to every peer, a
// replica sends to its upstream, and an unresolved instance keeps the
// mutation local. Send failures never surface to the mutation caller and
// nothing is queued for later delivery.
func (r *Replicated) Persist(state State) error {
	r.mu.Lock()
	current, conn := r.role, r.conn
	r.mu.Unlock()

	switch current {
	case roleHub:
		frame, err := encodeFrame(r.codec, state)
		if err != nil {
			return err
		}
		r.log.Debug("replicated: broadcast", "bytes", len(frame), "sum", fingerprint(frame))
		r.broadcast(frame, "")

	case roleReplica:
		if conn == nil {
			return nil
		}
		frame, err := encodeFrame(r.codec, state)
		if err != nil {
			return err
		}
		r.log.Debug("replicated: send to hub", "bytes", len(frame), "sum", fingerprint(frame))
		if _, err := conn.Write(frame); err != nil {
			r.log.Warn("replicated: send to hub failed", "addr", r.addr(), "err", err)
			return nil
		}
		ReplicationSends.WithLabelValues(roleReplica.String()).Inc()
	}
	return nil
}

// Close shuts the backend down: the listener, the upstream connection and
// every peer socket are closed and all handler goroutines are joined.
func (r *Replicated) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	if r.listener != nil {
		r.listener.Close()
		r.listener = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()

	r.peers.Range(func(_ string, conn net.Conn) bool {
		conn.Close()
		return true
	})
	r.peers.Clear()

	r.wg.Wait()
	return nil
}
