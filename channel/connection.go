package channel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"chanrpc/codec"
	"chanrpc/errcode"
	"chanrpc/protocol"
)

// Connection owns one socket. It performs length-framed sends (reads run in
// the channel's receive loop), tracks the transmission ids outstanding on it
// for cleanup at close, and carries the heartbeat bookkeeping the channel's
// timers operate on.
//
// A connection lives in exactly one of the channel's maps — income when
// accepted, outcome when dialed out — and is removed exactly once, via the
// close callback.
type Connection struct {
	id         uint64
	sock       net.Conn
	serverSide bool
	wireCodec  codec.CodecType

	// sending serializes whole frames; interleaved writes from concurrent
	// calls would corrupt the stream.
	sending sync.Mutex

	// transmissions is guarded by the owning Channel's mu.
	transmissions map[uint64]struct{}

	hbMu                     sync.Mutex
	lastCheckHeartbeat       time.Time
	heartbeatInterval        time.Duration
	maxHeartbeatTimeoutCount int
	heartbeatTimeoutCount    int
	needHeartbeat            bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeCB   func(*Connection, error)
}

func (cn *Connection) ID() uint64 {
	return cn.id
}

// ServerSide reports whether this connection was accepted (income) rather
// than dialed out (outcome).
func (cn *Connection) ServerSide() bool {
	return cn.serverSide
}

func (cn *Connection) LocalAddr() net.Addr {
	return cn.sock.LocalAddr()
}

func (cn *Connection) RemoteAddr() net.Addr {
	return cn.sock.RemoteAddr()
}

func (cn *Connection) IsClosed() bool {
	return cn.closed.Load()
}

// Close tears the connection down with the given reason (nil for a clean
// close). Safe to call from any goroutine and idempotent; the close callback
// runs exactly once.
func (cn *Connection) Close(reason error) {
	cn.closeOnce.Do(func() {
		cn.closed.Store(true)
		cn.sock.Close()
		if cn.closeCB != nil {
			cn.closeCB(cn, reason)
		}
	})
}

// send frames and writes one envelope packet.
func (cn *Connection) send(packet []byte) error {
	if cn.closed.Load() {
		return errcode.ErrConnectionClosed
	}
	header := &protocol.Header{
		CodecType: byte(cn.wireCodec),
		MsgType:   protocol.MsgTypeEnvelope,
		BodyLen:   uint32(len(packet)),
	}
	cn.sending.Lock()
	defer cn.sending.Unlock()
	return protocol.Encode(cn.sock, header, packet)
}

// sendHeartbeat writes one keep-alive frame; it has no body.
func (cn *Connection) sendHeartbeat() error {
	if cn.closed.Load() {
		return errcode.ErrConnectionClosed
	}
	header := &protocol.Header{
		CodecType: byte(cn.wireCodec),
		MsgType:   protocol.MsgTypeHeartbeat,
	}
	cn.sending.Lock()
	defer cn.sending.Unlock()
	return protocol.Encode(cn.sock, header, nil)
}

// touchHeartbeat records a keep-alive from the peer, clearing the miss
// counter.
func (cn *Connection) touchHeartbeat(now time.Time) {
	cn.hbMu.Lock()
	cn.lastCheckHeartbeat = now
	cn.heartbeatTimeoutCount = 0
	cn.hbMu.Unlock()
}

// heartbeatTimeout records one liveness miss and closes the connection once
// the configured count is exceeded.
func (cn *Connection) heartbeatTimeout() {
	cn.hbMu.Lock()
	cn.heartbeatTimeoutCount++
	exceeded := cn.heartbeatTimeoutCount > cn.maxHeartbeatTimeoutCount
	cn.hbMu.Unlock()
	if exceeded {
		cn.Close(errcode.ErrHeartbeatTimeout)
	}
}
