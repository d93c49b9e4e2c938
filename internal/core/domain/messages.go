package domain

import (
	"github.com/pion/webrtc/v3"
)

type EventName string

const (
	EventViewerOffer        EventName = "viewer-offer"
	EventStreamerAnswer     EventName = "streamer-answer"
	EventViewerICE          EventName = "viewer-ice"
	EventStreamerICE        EventName = "streamer-ice"
	EventViewerCountUpdated EventName = "viewer-count-updated"
)

type ViewerOfferPayload struct {
	StreamerID UserID                    `json:"streamerId"`
	ViewerID   UserID                    `json:"viewerId"`
	ViewerName string                    `json:"viewerName"`
	Offer      webrtc.SessionDescription `json:"offer"`
}

type StreamerAnswerPayload struct {
	StreamerID UserID                    `json:"streamerId"`
	ViewerID   UserID                    `json:"viewerId"`
	Answer     webrtc.SessionDescription `json:"answer"`
}

// ICEPayload is shared by viewer-ice and streamer-ice.
type ICEPayload struct {
	StreamerID UserID                  `json:"streamerId"`
	ViewerID   UserID                  `json:"viewerId"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

type ViewerCountPayload struct {
	Count int `json:"count"`
}

// AllEvents lists every broadcast event the coordinator exchanges.
var AllEvents = []EventName{
	EventViewerOffer,
	EventStreamerAnswer,
	EventViewerICE,
	EventStreamerICE,
	EventViewerCountUpdated,
}
