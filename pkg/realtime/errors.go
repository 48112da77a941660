package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingCredentials means the credential source has no token or no
	// username. No retry is scheduled; connect again once credentials exist.
	ErrMissingCredentials = errors.New("realtime: access token and username are required")
	// ErrNotConnected is returned by Subscribe when the client is not connected.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrConnectAborted is returned by Connect when Disconnect interrupted the attempt.
	ErrConnectAborted = errors.New("realtime: connect aborted")
	// ErrHeartbeatTimeout is reported when the broker stays silent for too long.
	ErrHeartbeatTimeout = errors.New("realtime: broker heart-beat timed out")
)

// ConnectionError is a transient transport or protocol failure. The client
// schedules a retry whenever it reports one.
type ConnectionError struct {
	// Op is the step that failed: dial, handshake, read or write.
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
