// Package imagine wraps the image-generation backends: the AI Horde
// crowdsourced cluster and a Cloudflare Worker running flux1 schnell.
// Both return either a hosted URL or raw bytes; the delivery layer
// decides how to present them.
package imagine

import (
	"errors"
	"fmt"
)

// Image is one finished generation.
type Image struct {
	URL   string // hosted result, when the backend uploads for us
	Data  []byte // raw bytes, when the backend streams the image back
	Model string
	Seed  string
}

// StatusError is a non-success HTTP reply from a backend.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

var (
	// ErrFaulted means the horde accepted the job and then gave up on it.
	ErrFaulted = errors.New("generation faulted")
	// ErrTimedOut means the job outlived the polling budget.
	ErrTimedOut = errors.New("generation timed out")
	// ErrNoImage means the backend reported success with nothing in it.
	ErrNoImage = errors.New("no image was generated")
)
