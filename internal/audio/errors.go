package audio

import "errors"

var (
	// ErrInit reports that the microphone device could not be acquired.
	// Callers must not retry without new user permission.
	ErrInit = errors.New("audio device initialization failed")

	// ErrNotInitialized reports a recording request before Initialize completed.
	ErrNotInitialized = errors.New("capture engine not initialized")

	// ErrDisposed reports use of an engine after Dispose.
	ErrDisposed = errors.New("capture engine disposed")
)
