package domain

import "errors"

var (
	ErrCaptureDenied         = errors.New("capture denied")
	ErrCaptureUnavailable    = errors.New("capture unavailable")
	ErrSignalingUnavailable  = errors.New("signaling unavailable")
	ErrPeerNegotiationFailed = errors.New("peer negotiation failed")
	ErrConnectionLost        = errors.New("connection lost")
	ErrStreamEnded           = errors.New("stream ended")
	ErrConnectionTimeout     = errors.New("connection timeout")
	ErrAlreadyStarted        = errors.New("session already started")
	ErrNotStreaming          = errors.New("no live stream")
	ErrControllerClosed      = errors.New("controller closed")
)

// IsRetryable reports whether the caller may retry the operation that produced err.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrStreamEnded),
		errors.Is(err, ErrCaptureDenied),
		errors.Is(err, ErrCaptureUnavailable):
		return false
	case errors.Is(err, ErrSignalingUnavailable),
		errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrConnectionTimeout),
		errors.Is(err, ErrPeerNegotiationFailed):
		return true
	}
	return false
}
