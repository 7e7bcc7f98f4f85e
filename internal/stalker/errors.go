package stalker

import "fmt"

// AuthError indicates a failed portal handshake or profile setup for a MAC.
type AuthError struct {
	Portal string
	MAC    string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("portal auth failed for %s on %s: %v", e.MAC, e.Portal, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// UpstreamError indicates a portal request that failed after authentication,
// such as a channel listing or link creation.
type UpstreamError struct {
	Portal string
	Op     string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("portal %s failed on %s: %v", e.Op, e.Portal, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
