package database

import (
	"golang.org/x/xerrors"
)

// ErrNotFound is returned by lookups that matched no document. Store
// implementations translate their driver's own sentinel into this one so
// callers never import driver packages.
var ErrNotFound = xerrors.New("no document found")

// IsNotFoundError reports whether err represents a missing document.
func IsNotFoundError(err error) bool {
	return xerrors.Is(err, ErrNotFound)
}
