package packhouse

import (
	"github.com/warpfork/go-errcat"
)

type ErrorCategory string
type ExitCode int

const (
	ExitSuccess                     = ExitCode(0)
	ExitUsage, ErrUsage             = ExitCode(1), ErrorCategory("packhouse-usage-error")  // Indicates some piece of user input to the command was invalid and unrunnable.
	ExitPanic                       = ExitCode(2)                                          // Placeholder.  We don't use this.  '2' happens when golang exits due to panic.
	ExitBadRequest, ErrBadRequest   = ExitCode(3), ErrorCategory("packhouse-bad-request")  // Malformed path, traversal attempt, or method/content-type mismatch on the HTTP surface.
	ExitNotFound, ErrNotFound       = ExitCode(4), ErrorCategory("packhouse-not-found")    // Unknown repository or unknown route.
	ExitProtocol, ErrProtocol       = ExitCode(5), ErrorCategory("packhouse-protocol-err") // Malformed pkt-line framing, unknown service, or a stale ref-update precondition.
	ExitStorage, ErrStorage         = ExitCode(6), ErrorCategory("packhouse-storage-err")  // Disk I/O failure during repo creation or object write.  Request-scoped, never process-wide.
	ExitCancelled, ErrCancelled     = ExitCode(8), ErrorCategory("packhouse-cancelled")    // The client disconnected or the operation was cancelled part-way.
	ExitServeFailed, ErrServeFailed = ExitCode(9), ErrorCategory("packhouse-serve-failed") // The listener could not be bound or fell over.
	ExitTODO                        = ExitCode(254)                                        // This exit code should be replaced with something more specific
)

/*
	Shorthand for the bad-service-name complaint, which several layers
	(query param parsing, RPC path parsing) need to raise identically.
*/
func ErrorfBadService(raw string) error {
	return errcat.Errorf(ErrBadRequest, "unknown service %q (valid services are 'upload-pack' and 'receive-pack')", raw)
}
