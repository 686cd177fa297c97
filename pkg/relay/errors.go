package relay

import "errors"

var (
	ErrConnectTimeout  = errors.New("relay: connect timeout")
	ErrReconnectCapped = errors.New("relay: reconnect attempts exhausted")
	ErrClosed          = errors.New("relay: closed")
)
