package transport

// EventKind discriminates transport events.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventLogOnResult
	EventPersonaInfo
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventLogOnResult:
		return "logon_result"
	case EventPersonaInfo:
		return "persona_info"
	default:
		return "unknown"
	}
}

// ResultCode is the service's logon result. The session manager treats
// ResultOK as success, the token-rejection codes as recoverable, and
// everything else as fatal.
type ResultCode string

const (
	ResultOK                ResultCode = "ok"
	ResultInvalidCredential ResultCode = "invalid_credential"
	ResultAccessDenied      ResultCode = "access_denied"
	ResultExpired           ResultCode = "expired"
	ResultRateLimited       ResultCode = "rate_limited"
	ResultServiceError      ResultCode = "service_error"
)

// IsTokenRejection reports whether the code means the presented token is
// no longer usable and should be discarded.
func (c ResultCode) IsTokenRejection() bool {
	switch c {
	case ResultInvalidCredential, ResultAccessDenied, ResultExpired:
		return true
	}
	return false
}

// Event is a single transport occurrence delivered on Client.Events().
type Event struct {
	Kind EventKind

	// UserInitiated is set on EventDisconnected when Disconnect() caused it.
	UserInitiated bool

	// Code and Extended are set on EventLogOnResult.
	Code     ResultCode
	Extended string

	// Persona is set on EventPersonaInfo.
	Persona string
}

// frame types on the wire
const (
	frameLogOn       = "logon"
	frameLogOnResult = "logon_result"
	framePersona     = "persona"
	framePersonaInfo = "persona_info"
	frameOnline      = "online"
	frameLogOff      = "logoff"
)

type outboundFrame struct {
	Type       string `json:"type"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
	Persona    string `json:"persona,omitempty"`
}

type inboundFrame struct {
	Type     string     `json:"type"`
	Code     ResultCode `json:"code,omitempty"`
	Extended string     `json:"extended,omitempty"`
	Persona  string     `json:"persona,omitempty"`
}
