package session

import "errors"

var (
	// ErrHistoryUnavailable is returned by room loads when either the message
	// log or the peer snapshot could not be fetched.
	ErrHistoryUnavailable = errors.New("history unavailable")
	// ErrNotConnected is returned by sends attempted while the connection is not open.
	ErrNotConnected   = errors.New("not connected")
	ErrMalformedEvent = errors.New("malformed event")
	// ErrConnectionLost marks a connection that ended without the caller closing it.
	ErrConnectionLost = errors.New("connection lost")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClosed         = errors.New("connection closed")
	ErrAlreadySeeded  = errors.New("store already seeded")
	// ErrRoomClosed is returned when a room was closed or replaced while it was loading.
	ErrRoomClosed = errors.New("room closed")
)
