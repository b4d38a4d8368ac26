package api

// PeerIdentity describes the process on the other end of a connection, as
// reported by the operating system for the control channel.
type PeerIdentity struct {
	PID        int32
	UID        uint32
	GID        uint32
	Username   string
	Executable string
}

// IntegrityLevel classifies the peer relative to the local process.
type IntegrityLevel int

const (
	// IntegrityUntrusted is a peer running as a different, unprivileged user.
	IntegrityUntrusted IntegrityLevel = iota
	// IntegrityUser is a peer running as the same user as this process.
	IntegrityUser
	// IntegritySystem is a peer running as root.
	IntegritySystem
)

func (l IntegrityLevel) String() string {
	switch l {
	case IntegrityUntrusted:
		return "untrusted"
	case IntegrityUser:
		return "user"
	case IntegritySystem:
		return "system"
	default:
		return "unknown"
	}
}
