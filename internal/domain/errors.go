package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrNotConnected  = errors.New("not connected")
	ErrClosed        = errors.New("connection closed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrInvalidMarket = errors.New("invalid market id")
	ErrInvalidTrade  = errors.New("invalid trade")
	ErrUnknownEvent  = errors.New("unknown event type")
)
