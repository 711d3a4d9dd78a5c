package errs

// Numeric kinds from spec.md §7. Orchestrator code pattern-matches on
// these via IsKind to pick retry/handoff/hang/fatal behavior.
const (
	KindTransientTransport = 1000 + iota
	KindRateLimited
	KindAuthExpired
	KindAccessDenied
	KindDecodeError
	KindProgrammingError
	KindDBInvariantViolation
	KindAbort
	KindFatalTransport
)

var (
	ErrTransientTransport   = New(KindTransientTransport, "transient transport failure")
	ErrRateLimited          = New(KindRateLimited, "rate limited")
	ErrAuthExpired          = New(KindAuthExpired, "credential expired or revoked")
	ErrAccessDenied         = New(KindAccessDenied, "access denied or not found")
	ErrDecodeError          = New(KindDecodeError, "gateway frame decode error")
	ErrProgrammingError     = New(KindProgrammingError, "programming error")
	ErrDBInvariantViolation = New(KindDBInvariantViolation, "db snapshot invariant violated")
	// ErrFatalTransport is a gateway close code outside every recognized
	// reconnect/auth-expired range (spec.md §4.3): the connection does not
	// retry, it surfaces through OnFatal.
	ErrFatalTransport = New(KindFatalTransport, "fatal transport close")
	// ErrAbort is the distinguished sentinel raised by cooperative
	// cancellation (spec.md §4.2, §5): it is caught at the top of a
	// backfill loop and unwound cleanly, never surfaced as a fatal error.
	ErrAbort = New(KindAbort, "operation aborted")
)

func IsKind(err error, kind int) bool {
	ce, ok := err.(*CodeError)
	if !ok {
		return false
	}
	return ce.Code == kind
}
