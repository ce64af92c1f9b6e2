// Package resolver defines how item references recorded in the ledger are
// turned back into item documents at read time.
package resolver

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the referenced item does not exist.
var ErrNotFound = errors.New("item not found")

// Resolver fetches the document an item reference points to. Implementations
// own their timeouts; a timeout is reported as an ordinary error.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Document, error)
}
