package fabric

import (
	"fmt"

	"github.com/luminet/guigate/errors"
)

// ErrTimeout marks a request that was not answered within its timeout.
var ErrTimeout = errors.New("request timed out")

// RemoteError carries a failure raised by the remote instance itself.
type RemoteError struct {
	Instance string
	Slot     string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s.%s: %s", e.Instance, e.Slot, e.Message)
}

// IsTimeout reports whether err classifies as a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// AsRemote extracts a RemoteError if err carries one.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
