package server

import "errors"

// Error codes surfaced to clients in error frames.
const (
	CodeAuthFailed      = "AuthFailed"
	CodeRateLimited     = "RateLimited"
	CodeDecodeError     = "DecodeError"
	CodeMessageFailed   = "MessageFailed"
	CodePeerNotFound    = "PeerNotFound"
	CodeSessionReplaced = "SessionReplaced"
	CodeProtocolError   = "ProtocolError"
	CodeShutdown        = "CancelledShutdown"
)

var (
	ErrPeerNotFound   = errors.New("peer not found")
	ErrServerShutdown = errors.New("server shutting down")
)
