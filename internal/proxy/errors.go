package proxy

import (
	"errors"

	"github.com/goal-eng/api-mutator/internal/mixer"
	"github.com/goal-eng/api-mutator/internal/upstream"
)

var (
	// ErrUnexpectedParameter means a non-header, non-path observed
	// parameter has no counterpart in the permuted document.
	ErrUnexpectedParameter = errors.New("unexpected parameter")

	// ErrBadBody means the request body could not be decoded as an
	// object in the declared format.
	ErrBadBody = errors.New("request body could not be decoded")

	// ErrBadCredentials means the client-supplied tokens or password do
	// not match the user's stored credentials.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrUpstream means the upstream dispatch failed at the network
	// level.
	ErrUpstream = errors.New("upstream request failed")
)

// statusForError maps pipeline failures to HTTP statuses. Everything the
// client caused is 400; infrastructure failures are 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrUpstream) || errors.Is(err, mixer.ErrOutOfSynonyms):
		return 500
	case errors.Is(err, upstream.ErrUserNotFound):
		return 400
	default:
		return 400
	}
}
