// Package ssh runs deployment commands on a remote target host and uploads
// run artifacts to it over SFTP.
//
// Runner implements engine.CommandRunner, so the executor and the validator
// drive a remote host exactly like the local one. Transport failures
// (dial, authentication, a dropped connection) surface as connectivity
// errors, which abort a bootstrap run immediately.
package ssh

import (
	"time"

	"github.com/patternforge/patternforge/pkg/engine"
)

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time

	// ViaProxy indicates the connection goes through a jump host
	ViaProxy bool
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the operation may succeed when retried.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// connectivityError classifies a transport failure for the engine.
func connectivityError(host string, err *TransportError) *engine.EngineError {
	return engine.NewConnectivityError("ssh "+err.Op+" to "+host+" failed", err).
		WithDetail("auth_error", err.IsAuthError).
		WithDetail("temporary", err.IsTemporary)
}
