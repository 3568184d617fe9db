package remote

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNoToken is returned when the storage client has no OAuth token.
var ErrNoToken = errors.New("remote storage token is not configured")

// RemoteError is a storage provider failure: transport, auth or HTTP status.
type RemoteError struct {
	Op         string
	Path       string
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsAuth reports a rejected credential.
func (e *RemoteError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Timeout reports a timeout-class transport failure, the only retried kind.
func (e *RemoteError) Timeout() bool {
	var netErr net.Error
	return e.StatusCode == 0 && errors.As(e.Err, &netErr) && netErr.Timeout()
}

// IsAuthError reports whether err carries a 401/403 from the provider.
func IsAuthError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.IsAuth()
}
