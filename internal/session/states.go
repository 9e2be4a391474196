package session

// State is the connection lifecycle state. It is owned exclusively by the
// Manager; callers observe it via Snapshot().
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// EventKind discriminates events delivered to the Manager's caller.
type EventKind int

const (
	// EventStatus is informational progress text.
	EventStatus EventKind = iota
	// EventPersona reports a persona-name change (pushed by us or
	// reported by the service).
	EventPersona
	// EventError reports a fatal or noteworthy failure.
	EventError
	// EventConnection reports the authenticated-session state going up
	// or down.
	EventConnection
)

func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventPersona:
		return "persona"
	case EventError:
		return "error"
	case EventConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Event is delivered on Manager.Events().
type Event struct {
	Kind      EventKind
	Text      string // EventStatus, EventError
	Persona   string // EventPersona
	Connected bool   // EventConnection
}

// Snapshot is a point-in-time view of the manager for status surfaces.
type Snapshot struct {
	State         State
	Running       bool
	Authenticated bool
	Persona       string
}
