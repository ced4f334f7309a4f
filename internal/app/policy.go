package app

type BackpressureAction int

const (
	DropEvent BackpressureAction = iota
	CloseSubscriber
)

// Policy decides what happens when a subscriber cannot keep up.
type Policy interface {
	OnBackPressure(ev Event) BackpressureAction
}

// DropPolicy drops the event for the slow subscriber only.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(Event) BackpressureAction { return DropEvent }

// StrictErrorPolicy closes subscribers that would miss an error event, so a
// consumer never silently loses one.
type StrictErrorPolicy struct{}

func (StrictErrorPolicy) OnBackPressure(ev Event) BackpressureAction {
	if ev.Type == EventError {
		return CloseSubscriber
	}
	return DropEvent
}
