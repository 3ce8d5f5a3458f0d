package channel

import "errors"

var (
	ErrChannelClosed     = errors.New("channel: closed")
	ErrAddressMode       = errors.New("channel: exactly one addressing mode must be set")
	ErrBroadcastResponse = errors.New("channel: broadcast and group calls cannot require a response")
	ErrDuplicateService  = errors.New("channel: service already registered")
	ErrDuplicateMethod   = errors.New("channel: method already registered")
	ErrProtocolViolation = errors.New("channel: protocol violation")
	ErrInvalidHeartbeat  = errors.New("channel: invalid heartbeat parameters")
)
