package driver

import "time"

// Status describes where a file is in a batch format run.
type Status uint8

const (
	StatusQueued Status = iota
	StatusWorking
	StatusReformatted
	StatusUnchanged
	StatusCached
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusWorking:
		return "formatting"
	case StatusReformatted:
		return "reformatted"
	case StatusUnchanged:
		return "unchanged"
	case StatusCached:
		return "cached"
	case StatusError:
		return "error"
	default:
		return ""
	}
}

// Final reports whether no further events follow for the file.
func (s Status) Final() bool {
	return s >= StatusReformatted
}

// Event reports progress for one file.
type Event struct {
	File    string
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events to a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

func emit(sink ProgressSink, evt Event) {
	if sink != nil {
		sink.OnEvent(evt)
	}
}
