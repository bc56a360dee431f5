package gms

import "errors"

var (
	ErrNotMember        = errors.New("gms: not a member of a view")
	ErrJoinFailed       = errors.New("gms: join failed")
	ErrLeaveUnconfirmed = errors.New("gms: leave not acknowledged by coordinator")
	ErrClosed           = errors.New("gms: closed")
)
