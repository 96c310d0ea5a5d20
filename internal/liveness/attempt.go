package liveness

import (
	"errors"
	"fmt"
)

var ErrCollaboratorPanic = errors.New("liveness: collaborator panicked")

// attempt runs one collaborator call and converts both returned errors and
// panics into an error tagged with op. It is the only place the package
// recovers.
func attempt(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrCollaboratorPanic, op, r)
		}
	}()
	if callErr := fn(); callErr != nil {
		return fmt.Errorf("%s: %w", op, callErr)
	}
	return nil
}

// call adapts a collaborator method with no error result.
func call(op string, fn func()) error {
	return attempt(op, func() error {
		fn()
		return nil
	})
}
