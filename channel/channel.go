// Package channel implements the core of chanrpc: a Channel multiplexes many
// concurrent RPC calls over persistent TCP connections, correlates requests
// with responses through per-channel transmission ids, dispatches inbound
// requests to registered services, and runs the heartbeat protocol that
// detects dead peers.
//
// Request processing pipeline, per connection:
//
//	receive loop (one goroutine, frames in arrival order)
//	  → envelope decode → middleware chain → service dispatch → reply frame
//
// Outbound calls suspend the calling goroutine on a Pending-Result Table
// entry until the matching response arrives or the connection dies.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"chanrpc/codec"
	"chanrpc/errcode"
	"chanrpc/meta"
	"chanrpc/middleware"
	"chanrpc/protocol"
)

// Channel owns the live connections (income and outcome maps), the
// Pending-Result Table, the service registry, the heartbeat timers and the
// accept loop.
type Channel struct {
	cfg    Config
	logger *slog.Logger
	msink  metrics.MetricSink

	mu             sync.Mutex
	transmissionID uint64
	pending        map[uint64]*pendingResult
	income         map[uint64]*Connection
	outcome        map[uint64]*Connection
	services       map[string]Service

	needHeartbeat            bool
	heartbeatInterval        time.Duration
	maxHeartbeatTimeoutCount int
	livenessStop             chan struct{}

	// acceptCond wakes the accept loop when an income connection closes
	// while the admission ceiling is reached.
	acceptCond *sync.Cond
	listener   net.Listener

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	connSeq  atomic.Uint64
	closed   atomic.Bool
	done     chan struct{}
	failOnce sync.Once
	fatalErr error
}

// NewChannel builds a channel, filling config defaults and starting the
// keep-alive notifier. Liveness detection starts only if cfg.Heartbeat asks
// for it (or later, via EnableHeartbeat).
func NewChannel(cfg Config) (*Channel, error) {
	cfg = cfg.withDefaults()
	c := &Channel{
		cfg:      cfg,
		pending:  make(map[uint64]*pendingResult),
		income:   make(map[uint64]*Connection),
		outcome:  make(map[uint64]*Connection),
		services: make(map[string]Service),
		done:     make(chan struct{}),
	}
	c.acceptCond = sync.NewCond(&c.mu)

	if cfg.LogHandler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(cfg.LogHandler)
	}
	if cfg.MetricSink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = cfg.MetricSink
	}

	c.handler = middleware.Chain(c.middlewares...)(c.dispatch)

	if cfg.Heartbeat.Enabled {
		if err := c.EnableHeartbeat(cfg.Heartbeat.Interval, cfg.Heartbeat.MaxTimeoutCount); err != nil {
			return nil, err
		}
	}

	go c.keepAliveLoop()
	return c, nil
}

// Use appends a middleware to the inbound dispatch chain. Call before any
// traffic flows.
func (c *Channel) Use(mw middleware.Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mw)
	c.handler = middleware.Chain(c.middlewares...)(c.dispatch)
}

// AppendService registers a service under its full name. Duplicate names are
// a fatal configuration error.
func (c *Channel) AppendService(svc Service) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := svc.Name()
	if _, ok := c.services[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	c.services[name] = svc
	return nil
}

// Listen binds address and starts the accept loop. A fatal accept error
// shuts the channel down and is reported by Wait.
func (c *Channel) Listen(address string) (net.Addr, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("channel: listen %s: %w", address, err)
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()
	go c.acceptLoop(ln)
	return ln.Addr(), nil
}

// acceptLoop performs bounded-batch acceptance: at most MaxAccept admissions
// per pass, stalling entirely while the admission ceiling is reached. New
// connections beyond the ceiling wait in the kernel backlog until an income
// connection closes.
func (c *Channel) acceptLoop(ln net.Listener) {
	for {
		c.mu.Lock()
		for c.isFullLocked() && !c.closed.Load() {
			c.acceptCond.Wait()
		}
		c.mu.Unlock()
		if c.closed.Load() {
			return
		}

		for i := 0; i < c.cfg.MaxAccept; i++ {
			if c.IsFull() {
				break
			}
			sock, err := ln.Accept()
			if err != nil {
				if c.closed.Load() || errors.Is(err, net.ErrClosed) {
					return
				}
				c.logger.Error("accept failed", "error", err)
				c.fail(fmt.Errorf("channel: accept: %w", err))
				return
			}
			c.newConnection(sock, true, HeartbeatPolicy{})
		}
	}
}

// Connect dials address and registers the socket as an outcome connection.
func (c *Channel) Connect(address string, timeout time.Duration, hb HeartbeatPolicy) (*Connection, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}
	sock, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("channel: connect %s: %w", address, err)
	}
	return c.newConnection(sock, false, hb), nil
}

// newConnection wraps a socket, assigns a conn id, registers it in the map
// for its side and spawns its receive loop. A conn id collision is an
// invariant violation.
func (c *Channel) newConnection(sock net.Conn, serverSide bool, hb HeartbeatPolicy) *Connection {
	cn := &Connection{
		id:            c.connSeq.Add(1),
		sock:          sock,
		serverSide:    serverSide,
		wireCodec:     c.cfg.WireCodec,
		transmissions: make(map[uint64]struct{}),
		closeCB:       c.connectionClosed,
	}
	cn.lastCheckHeartbeat = time.Now()

	c.setupHeartbeat(cn, serverSide, hb)

	c.mu.Lock()
	if serverSide {
		if _, dup := c.income[cn.id]; dup {
			c.mu.Unlock()
			panic(fmt.Sprintf("channel: income conn id %d already registered", cn.id))
		}
		c.income[cn.id] = cn
	} else {
		if _, dup := c.outcome[cn.id]; dup {
			c.mu.Unlock()
			panic(fmt.Sprintf("channel: outcome conn id %d already registered", cn.id))
		}
		c.outcome[cn.id] = cn
	}
	c.mu.Unlock()

	c.msink.IncrCounterWithLabels(MetricConnEstablished, 1, c.cfg.MetricLabels)
	c.logger.Debug("connection established",
		"conn_id", cn.id, "server_side", serverSide, "remote", sock.RemoteAddr())

	go c.handleLoop(cn)
	return cn
}

func (c *Channel) setupHeartbeat(cn *Connection, serverSide bool, hb HeartbeatPolicy) {
	if serverSide {
		c.mu.Lock()
		need, maxCount := c.needHeartbeat, c.maxHeartbeatTimeoutCount
		c.mu.Unlock()
		if need {
			cn.hbMu.Lock()
			cn.maxHeartbeatTimeoutCount = maxCount
			cn.hbMu.Unlock()
		}
		return
	}
	if hb.Disable {
		return
	}
	interval := hb.Interval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	cn.hbMu.Lock()
	cn.needHeartbeat = true
	cn.heartbeatInterval = interval
	cn.hbMu.Unlock()
}

// connectionClosed is the close callback: it removes the connection from its
// map and fails every pending call still outstanding on it with the close
// reason. This is the sole recovery path for in-flight calls on a dead
// connection; nothing is retried.
func (c *Channel) connectionClosed(cn *Connection, reason error) {
	cause := error(errcode.ErrConnectionClosed)
	if reason != nil {
		cause = fmt.Errorf("%w: %w", errcode.ErrConnectionClosed, reason)
	}

	c.mu.Lock()
	if cn.serverSide {
		delete(c.income, cn.id)
		c.acceptCond.Signal()
	} else {
		delete(c.outcome, cn.id)
	}
	var orphaned []*pendingResult
	for tid := range cn.transmissions {
		if pr, ok := c.pending[tid]; ok {
			delete(c.pending, tid)
			orphaned = append(orphaned, pr)
		}
	}
	clear(cn.transmissions)
	c.mu.Unlock()

	for _, pr := range orphaned {
		pr.fail(cause)
	}

	c.msink.IncrCounterWithLabels(MetricConnClosed, 1, c.cfg.MetricLabels)
	c.logger.Debug("connection closed",
		"conn_id", cn.id, "server_side", cn.serverSide,
		"pending_failed", len(orphaned), "reason", reason)
}

// CallMethod sends one call described by desc. With a response type declared
// (desc.NewResponse non-nil) it allocates a transmission id, registers the
// pending entry and suspends until the response or failure arrives. One-way
// calls return immediately after the send.
func (c *Channel) CallMethod(desc *MethodDesc, ctrl *Controller, req any) (any, error) {
	if err := ctrl.checkAddressing(); err != nil {
		return nil, err
	}
	requireResponse := desc.NewResponse != nil
	if requireResponse && (ctrl.wide || len(ctrl.group) > 0) {
		return nil, ErrBroadcastResponse
	}

	md := &ctrl.Meta
	md.FromStub = true
	md.ServiceName = desc.Service
	md.MethodName = desc.Name
	if req != nil {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("channel: encode request: %w", err)
		}
		md.Message = payload
	}

	cdc := codec.GetCodec(c.cfg.WireCodec)
	c.msink.IncrCounterWithLabels(MetricCallOutCount, 1, c.cfg.MetricLabels)

	if !requireResponse {
		packet, err := cdc.Encode(md)
		if err != nil {
			return nil, err
		}
		return nil, c.sendOneWay(ctrl, packet)
	}

	// id assignment and pending registration are atomic with respect to
	// other calls; the entry exists before any byte hits the wire so the
	// receive loop can never see an unknown id for our own call
	c.mu.Lock()
	c.transmissionID++
	tid := c.transmissionID
	md.TransmissionID = tid
	pr := newPendingResult(desc.NewResponse)
	c.pending[tid] = pr
	ctrl.conn.transmissions[tid] = struct{}{}
	c.mu.Unlock()

	packet, err := cdc.Encode(md)
	if err != nil {
		c.abortPending(ctrl.conn, tid)
		return nil, err
	}
	if err := ctrl.conn.send(packet); err != nil {
		c.abortPending(ctrl.conn, tid)
		return nil, err
	}

	value, err := pr.wait()
	if err != nil {
		c.msink.IncrCounterWithLabels(MetricCallErrorCount, 1, c.cfg.MetricLabels)
	}
	return value, err
}

// sendOneWay delivers a fire-and-forget packet per the controller's
// addressing mode. Broadcast and group sends skip dead or missing
// connections.
func (c *Channel) sendOneWay(ctrl *Controller, packet []byte) error {
	switch {
	case ctrl.wide:
		for _, cn := range c.incomeSnapshot() {
			if err := cn.send(packet); err != nil {
				c.logger.Debug("broadcast send failed", "conn_id", cn.ID(), "error", err)
			}
		}
		return nil
	case len(ctrl.group) > 0:
		for _, id := range ctrl.group {
			cn := c.GetIncomeConnection(id)
			if cn == nil {
				continue
			}
			if err := cn.send(packet); err != nil {
				c.logger.Debug("group send failed", "conn_id", id, "error", err)
			}
		}
		return nil
	default:
		return ctrl.conn.send(packet)
	}
}

// abortPending drops a pending entry after a local send/encode failure. The
// entry may already be gone if the connection closed first; that resolution
// wins.
func (c *Channel) abortPending(cn *Connection, tid uint64) {
	c.mu.Lock()
	delete(c.pending, tid)
	delete(cn.transmissions, tid)
	c.mu.Unlock()
}

// handleLoop is the per-connection receive loop: one length-framed packet at
// a time, strictly in arrival order. It always closes the connection exactly
// once on exit, with the captured reason (nil for a clean EOF).
func (c *Channel) handleLoop(cn *Connection) {
	var reason error
	defer func() {
		cn.Close(reason)
	}()

	ctrl := NewController().SetConn(cn)
	for {
		header, body, err := protocol.Decode(cn.sock)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = err
			}
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			cn.touchHeartbeat(time.Now())
			continue
		}

		ctrl.Reset()
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, &ctrl.Meta); err != nil {
			reason = fmt.Errorf("%w: %v", errcode.ErrDecodeFailure, err)
			return
		}

		if ctrl.Meta.FromStub {
			c.recvRequest(ctrl)
		} else if err := c.recvResponse(ctrl); err != nil {
			// unknown transmission id corrupts the correlation state of the
			// whole connection, not just one call
			reason = err
			return
		}
	}
}

// ctrlCtxKey carries the per-call Controller through the middleware chain.
type ctrlCtxKey struct{}

// ControllerFrom returns the Controller of the call being dispatched.
func ControllerFrom(ctx context.Context) (*Controller, bool) {
	ctrl, ok := ctx.Value(ctrlCtxKey{}).(*Controller)
	return ctrl, ok
}

// recvRequest runs one inbound request through the middleware chain and
// sends the reply envelope back, if there is one to send.
func (c *Channel) recvRequest(ctrl *Controller) {
	c.msink.IncrCounterWithLabels(MetricCallInCount, 1, c.cfg.MetricLabels)

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	ctx := context.WithValue(context.Background(), ctrlCtxKey{}, ctrl)
	reply := handler(ctx, &ctrl.Meta)
	if reply == nil || reply.TransmissionID == 0 {
		return
	}

	packet, err := codec.GetCodec(c.cfg.WireCodec).Encode(reply)
	if err != nil {
		c.logger.Error("encode reply failed",
			"service", ctrl.Meta.ServiceName, "method", ctrl.Meta.MethodName, "error", err)
		return
	}
	if err := ctrl.conn.send(packet); err != nil {
		c.logger.Debug("send reply failed", "conn_id", ctrl.conn.ID(), "error", err)
	}
}

// dispatch is the innermost handler: service lookup, request decode, typed
// handler invocation. Known failures become error envelopes; they are never
// propagated as transport faults.
func (c *Channel) dispatch(ctx context.Context, md *meta.MetaData) *meta.MetaData {
	ctrl, _ := ControllerFrom(ctx)

	c.mu.Lock()
	svc, ok := c.services[md.ServiceName]
	c.mu.Unlock()
	if !ok {
		return c.failReply(md, errcode.CodeServiceNotFound,
			fmt.Sprintf("service %q not registered", md.ServiceName))
	}

	desc, ok := svc.Method(md.MethodName)
	if !ok {
		return c.failReply(md, errcode.CodeMethodNotFound,
			fmt.Sprintf("method %q not found on service %q", md.MethodName, md.ServiceName))
	}

	var req any
	if desc.NewRequest != nil {
		req = desc.NewRequest()
		if err := json.Unmarshal(md.Message, req); err != nil {
			return c.failReply(md, errcode.CodeDecodeFailure, err.Error())
		}
	}

	var reply *meta.MetaData
	respond := func(resp any) error {
		if reply != nil {
			return errors.New("channel: respond invoked twice")
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("channel: encode response: %w", err)
		}
		reply = &meta.MetaData{
			TransmissionID: md.TransmissionID,
			Message:        payload,
		}
		return nil
	}

	if err := desc.Handler(ctrl, req, respond); err != nil {
		return c.failReply(md, errcode.CodeOf(err), err.Error())
	}
	return reply
}

// failReply builds an error envelope for md, or logs and returns nil when
// the request carried no transmission id to correlate the error on.
func (c *Channel) failReply(md *meta.MetaData, code int32, text string) *meta.MetaData {
	if md.TransmissionID == 0 {
		c.logger.Warn("one-way request failed",
			"service", md.ServiceName, "method", md.MethodName,
			"error_code", code, "error", text)
		return nil
	}
	reply := &meta.MetaData{TransmissionID: md.TransmissionID}
	reply.SetFailed(code, text)
	return reply
}

// recvResponse resolves the pending entry matching an inbound response. An
// id absent from the pending table or from the connection's outstanding set
// is a protocol violation and returns an error that kills the connection.
func (c *Channel) recvResponse(ctrl *Controller) error {
	md := &ctrl.Meta
	tid := md.TransmissionID

	c.mu.Lock()
	pr, okPending := c.pending[tid]
	_, okConn := ctrl.conn.transmissions[tid]
	if !okPending || !okConn {
		c.mu.Unlock()
		return fmt.Errorf("%w: unknown transmission id %d", ErrProtocolViolation, tid)
	}
	delete(c.pending, tid)
	delete(ctrl.conn.transmissions, tid)
	c.mu.Unlock()

	if md.Failed() {
		pr.fail(errcode.New(md.ErrorCode, md.ErrorText))
		return nil
	}

	resp := pr.newResponse()
	if err := json.Unmarshal(md.Message, resp); err != nil {
		pr.fail(fmt.Errorf("%w: %v", errcode.ErrDecodeFailure, err))
		return nil
	}
	pr.resolve(resp)
	return nil
}

// GetIncomeConnection returns the accepted connection with the given id, or
// nil.
func (c *Channel) GetIncomeConnection(id uint64) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.income[id]
}

// GetOutcomeConnection returns the dialed connection with the given id, or
// nil.
func (c *Channel) GetOutcomeConnection(id uint64) *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome[id]
}

func (c *Channel) incomeSnapshot() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := make([]*Connection, 0, len(c.income))
	for _, cn := range c.income {
		conns = append(conns, cn)
	}
	return conns
}

// IsFull reports whether the admission ceiling is reached.
func (c *Channel) IsFull() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFullLocked()
}

func (c *Channel) isFullLocked() bool {
	return len(c.income) >= c.cfg.MaxConcurrency
}

// Size is the total number of live connections, both sides.
func (c *Channel) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.income) + len(c.outcome)
}

// Wait blocks until the channel shuts down and reports the fatal error, if
// any.
func (c *Channel) Wait() error {
	<-c.done
	return c.fatalErr
}

// fail records the first fatal error and shuts the channel down.
func (c *Channel) fail(err error) {
	c.failOnce.Do(func() {
		c.fatalErr = err
	})
	c.Close()
}

// Close stops the timers and the listener and closes every connection.
// Idempotent.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	if c.listener != nil {
		c.listener.Close()
	}
	if c.livenessStop != nil {
		close(c.livenessStop)
		c.livenessStop = nil
	}
	conns := make([]*Connection, 0, len(c.income)+len(c.outcome))
	for _, cn := range c.income {
		conns = append(conns, cn)
	}
	for _, cn := range c.outcome {
		conns = append(conns, cn)
	}
	c.acceptCond.Broadcast()
	c.mu.Unlock()

	for _, cn := range conns {
		cn.Close(nil)
	}
	close(c.done)
	return nil
}
