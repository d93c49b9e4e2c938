package domain

import "time"

type LinkState string

const (
	LinkNew            LinkState = "new"
	LinkOfferSent      LinkState = "offer-sent"
	LinkAnswerSent     LinkState = "answer-sent"
	LinkAnswerReceived LinkState = "answer-received"
	LinkConnected      LinkState = "connected"
	LinkFailed         LinkState = "failed"
	LinkClosed         LinkState = "closed"
)

// Terminal reports whether no further transition is possible.
func (s LinkState) Terminal() bool {
	return s == LinkFailed || s == LinkClosed
}

// PeerLink is one negotiated connection between the streamer and a single viewer.
type PeerLink struct {
	ViewerID   UserID
	ViewerName string
	State      LinkState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LinkSnapshot is a read-only copy of a PeerLink handed out of the controller.
type LinkSnapshot struct {
	ViewerID   UserID    `json:"viewerId"`
	ViewerName string    `json:"viewerName"`
	State      LinkState `json:"state"`
}

type ViewerState string

const (
	ViewerIdle        ViewerState = "idle"
	ViewerDiscovering ViewerState = "discovering"
	ViewerOffering    ViewerState = "offering"
	ViewerConnecting  ViewerState = "connecting"
	ViewerConnected   ViewerState = "connected"
	ViewerFailed      ViewerState = "failed"
	ViewerEnded       ViewerState = "ended"
)

// Negotiating reports whether a peer connection exists but media is not flowing yet.
func (s ViewerState) Negotiating() bool {
	return s == ViewerOffering || s == ViewerConnecting
}

// ViewerSnapshot is a read-only copy of a viewer's progress. Err is the cause
// of failed or ended and is nil otherwise.
type ViewerSnapshot struct {
	State      ViewerState `json:"state"`
	LinkState  LinkState   `json:"linkState"`
	StreamerID UserID      `json:"streamerId,omitempty"`
	Err        error       `json:"-"`
	Error      string      `json:"error,omitempty"`
	Retryable  bool        `json:"retryable"`
}
