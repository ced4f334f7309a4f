package domain

// BroadcasterState is the offerer-side lifecycle.
type BroadcasterState uint8

const (
	BroadcasterIdle BroadcasterState = iota
	BroadcasterCapturing
	BroadcasterOffering
	BroadcasterNegotiating
	BroadcasterLive
	BroadcasterStopping
	BroadcasterTerminated
)

var broadcasterStateNames = [...]string{
	BroadcasterIdle:        "IDLE",
	BroadcasterCapturing:   "CAPTURING",
	BroadcasterOffering:    "OFFERING",
	BroadcasterNegotiating: "NEGOTIATING",
	BroadcasterLive:        "LIVE",
	BroadcasterStopping:    "STOPPING",
	BroadcasterTerminated:  "TERMINATED",
}

func (s BroadcasterState) String() string {
	if int(s) < len(broadcasterStateNames) {
		return broadcasterStateNames[s]
	}
	return "UNKNOWN"
}

// Running reports whether the heartbeat should be refreshed.
func (s BroadcasterState) Running() bool {
	return s == BroadcasterNegotiating || s == BroadcasterLive
}

// ViewerState is the answerer-side lifecycle.
type ViewerState uint8

const (
	ViewerIdle ViewerState = iota
	ViewerLookup
	ViewerAnswering
	ViewerNegotiating
	ViewerLive
	ViewerDisconnected
	ViewerTerminated
)

var viewerStateNames = [...]string{
	ViewerIdle:         "IDLE",
	ViewerLookup:       "LOOKUP",
	ViewerAnswering:    "ANSWERING",
	ViewerNegotiating:  "NEGOTIATING",
	ViewerLive:         "LIVE",
	ViewerDisconnected: "DISCONNECTED",
	ViewerTerminated:   "TERMINATED",
}

func (s ViewerState) String() string {
	if int(s) < len(viewerStateNames) {
		return viewerStateNames[s]
	}
	return "UNKNOWN"
}
