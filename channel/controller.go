package channel

import "chanrpc/meta"

// Controller is the per-call execution context. It owns one MetaData
// envelope and exactly one addressing mode: a bound connection, broadcast to
// all income connections, or an explicit list of income connection ids.
// Create a fresh Controller per outbound call; the receive loop reuses one
// per connection, reset between packets.
type Controller struct {
	Meta meta.MetaData

	conn  *Connection
	wide  bool
	group []uint64
}

func NewController() *Controller {
	return &Controller{}
}

// SetConn binds the call to a single connection (unicast).
func (ctrl *Controller) SetConn(cn *Connection) *Controller {
	ctrl.conn = cn
	return ctrl
}

// SetWide addresses the call to every income connection (broadcast).
func (ctrl *Controller) SetWide() *Controller {
	ctrl.wide = true
	return ctrl
}

// SetGroup addresses the call to the income connections with the given ids.
// Ids without a live connection are silently skipped at send time.
func (ctrl *Controller) SetGroup(ids []uint64) *Controller {
	ctrl.group = ids
	return ctrl
}

// Conn returns the connection the call arrived on or was bound to.
func (ctrl *Controller) Conn() *Connection {
	return ctrl.conn
}

// Reset clears the envelope and addressing for the next packet, keeping the
// bound connection.
func (ctrl *Controller) Reset() {
	ctrl.Meta.Reset()
	ctrl.wide = false
	ctrl.group = nil
}

// checkAddressing enforces that exactly one mode was chosen; anything else is
// a malformed call and rejected before any network effect.
func (ctrl *Controller) checkAddressing() error {
	modes := 0
	if ctrl.conn != nil {
		modes++
	}
	if ctrl.wide {
		modes++
	}
	if len(ctrl.group) > 0 {
		modes++
	}
	if modes != 1 {
		return ErrAddressMode
	}
	return nil
}
