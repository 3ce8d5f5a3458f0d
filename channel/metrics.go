package channel

var (
	MetricConnEstablished  = []string{"chanrpc", "connection", "established", "count"}
	MetricConnClosed       = []string{"chanrpc", "connection", "closed", "count"}
	MetricCallOutCount     = []string{"chanrpc", "call", "out", "count"}
	MetricCallInCount      = []string{"chanrpc", "call", "in", "count"}
	MetricCallErrorCount   = []string{"chanrpc", "call", "error", "count"}
	MetricHeartbeatSent    = []string{"chanrpc", "heartbeat", "sent", "count"}
	MetricHeartbeatTimeout = []string{"chanrpc", "heartbeat", "timeout", "count"}
)
