package p2p

import "errors"

var (
	ErrPeerUnreachable = errors.New("p2p: peer unreachable")
	ErrTimeout         = errors.New("p2p: request timed out")
	ErrPeerUnknown     = errors.New("p2p: unknown peer")
	ErrDialTargetEmpty = errors.New("p2p: empty dial target")
	ErrInvalidAddress  = errors.New("p2p: invalid dial address")
	ErrMeshFull        = errors.New("p2p: connection limit reached")
)

var errQueueFull = errors.New("peer outbound queue full")
