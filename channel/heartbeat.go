package channel

import (
	"time"
)

// The heartbeat protocol runs on two independent periodic processes.
//
// The accepting side detects dead peers: every tick it scans the income
// connections and charges a miss to any connection whose last keep-alive is
// older than interval*1.1 + 300ms. The slack compensates for scheduler and
// network jitter so a punctual peer is never charged.
//
// The connecting side notifies: every tick it scans the outcome connections
// and sends a keep-alive once interval*factor has elapsed. The factor
// tightens from 0.89 to 0.64 when the channel holds 14142 or more
// connections, sending earlier to absorb longer loop cycles under load.
const (
	livenessSlackRatio = 1.1
	livenessSlackBase  = 300 * time.Millisecond

	keepAliveLoadThreshold = 14142
	keepAliveFactorLoaded  = 0.64
	keepAliveFactorIdle    = 0.89
)

// HeartbeatPolicy configures the keep-alive behavior of one outcome
// connection at connect time.
type HeartbeatPolicy struct {
	// Disable opts this connection out of keep-alive notifications.
	Disable bool

	// Interval between keep-alives; DefaultKeepAliveInterval when zero.
	Interval time.Duration
}

// EnableHeartbeat arms liveness detection for income connections. Connections
// accepted from now on are allowed maxTimeoutCount missed intervals before
// being closed with ErrHeartbeatTimeout.
func (c *Channel) EnableHeartbeat(interval time.Duration, maxTimeoutCount int) error {
	if interval <= 0 || maxTimeoutCount < 1 {
		return ErrInvalidHeartbeat
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.needHeartbeat = true
	c.heartbeatInterval = interval
	c.maxHeartbeatTimeoutCount = maxTimeoutCount
	if c.livenessStop == nil {
		c.livenessStop = make(chan struct{})
		go c.livenessLoop(c.livenessStop)
	}
	return nil
}

// DisableHeartbeat stops liveness detection. Keep-alive notification on
// outcome connections is unaffected.
func (c *Channel) DisableHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needHeartbeat = false
	c.heartbeatInterval = 0
	c.maxHeartbeatTimeoutCount = 0
	if c.livenessStop != nil {
		close(c.livenessStop)
		c.livenessStop = nil
	}
}

func (c *Channel) livenessLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkLiveness(time.Now())
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

// checkLiveness is one pass of the liveness-detection timer.
func (c *Channel) checkLiveness(now time.Time) {
	c.mu.Lock()
	if !c.needHeartbeat {
		c.mu.Unlock()
		return
	}
	deadline := time.Duration(float64(c.heartbeatInterval)*livenessSlackRatio) + livenessSlackBase
	conns := make([]*Connection, 0, len(c.income))
	for _, cn := range c.income {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	for _, cn := range conns {
		cn.hbMu.Lock()
		expired := now.Sub(cn.lastCheckHeartbeat) >= deadline
		if expired {
			cn.lastCheckHeartbeat = now
		}
		cn.hbMu.Unlock()
		if expired {
			c.msink.IncrCounterWithLabels(MetricHeartbeatTimeout, 1, c.cfg.MetricLabels)
			c.logger.Debug("heartbeat miss",
				"conn_id", cn.ID(), "remote", cn.RemoteAddr())
			cn.heartbeatTimeout()
		}
	}
}

func (c *Channel) keepAliveLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkKeepAlive(time.Now())
		case <-c.done:
			return
		}
	}
}

// checkKeepAlive is one pass of the keep-alive notifier.
func (c *Channel) checkKeepAlive(now time.Time) {
	c.mu.Lock()
	factor := keepAliveFactor(len(c.income) + len(c.outcome))
	conns := make([]*Connection, 0, len(c.outcome))
	for _, cn := range c.outcome {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	for _, cn := range conns {
		cn.hbMu.Lock()
		due := cn.needHeartbeat &&
			now.Sub(cn.lastCheckHeartbeat) >= time.Duration(float64(cn.heartbeatInterval)*factor)
		if due {
			cn.lastCheckHeartbeat = now
		}
		cn.hbMu.Unlock()
		if !due {
			continue
		}
		if err := cn.sendHeartbeat(); err != nil {
			// the receive loop will tear the connection down
			c.logger.Debug("keep-alive send failed",
				"conn_id", cn.ID(), "error", err)
			continue
		}
		c.msink.IncrCounterWithLabels(MetricHeartbeatSent, 1, c.cfg.MetricLabels)
	}
}

func keepAliveFactor(size int) float64 {
	if size >= keepAliveLoadThreshold {
		return keepAliveFactorLoaded
	}
	return keepAliveFactorIdle
}
