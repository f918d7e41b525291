// Package errs defines the error taxonomy shared across the core. Callers
// match with errors.Is; transport layers map kinds to client-visible
// failure messages.
package errs

import "errors"

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrIllegalMove      = errors.New("illegal move")
	ErrFinalized        = errors.New("game already finalized")
	ErrBadRequest       = errors.New("bad request")
	ErrConflict         = errors.New("conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrBusUnavailable   = errors.New("bus unavailable")
	ErrInternal         = errors.New("internal error")
)

// Expected reports whether err is a per-player contract error that should
// be returned on the originating socket only, never logged as a failure.
func Expected(err error) bool {
	for _, e := range []error{
		ErrNotFound, ErrNotYourTurn, ErrIllegalMove,
		ErrFinalized, ErrBadRequest, ErrConflict,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
