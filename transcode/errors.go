package transcode

import "errors"

// ErrPoolClosed is returned for work submitted after shutdown began.
var ErrPoolClosed = errors.New("transcode pool is closed")

// PermanentError marks a source that can never transcode: corrupt or
// undecodable bytes, or an encoding the engine does not handle.
// Retrying without new input is wasted CPU, so callers cache it.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent transcode failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// TransientError marks a failure a later request may not hit again:
// cancellation, shutdown, codec resource trouble.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient transcode failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	var terr *TransientError
	return errors.As(err, &terr)
}
