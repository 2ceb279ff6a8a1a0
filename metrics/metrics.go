// Package metrics defines the counter surface the runtime reports into and
// provides no-op and Prometheus sinks.
package metrics

// Recorder receives runtime counters. Implementations must be safe for
// concurrent use; all methods are fire-and-forget.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()

	SessionCreated()
	SessionSuspended()
	SessionReconnected()
	SessionClosed()

	MessageReceived(event string)
	MessageSent(event string)

	Error(code int)

	RoomJoined()
	RoomLeft()
}

// Nop discards everything. Used when no sink is configured.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) ConnectionOpened()            {}
func (Nop) ConnectionClosed()            {}
func (Nop) SessionCreated()              {}
func (Nop) SessionSuspended()            {}
func (Nop) SessionReconnected()          {}
func (Nop) SessionClosed()               {}
func (Nop) MessageReceived(string)       {}
func (Nop) MessageSent(string)           {}
func (Nop) Error(int)                    {}
func (Nop) RoomJoined()                  {}
func (Nop) RoomLeft()                    {}
