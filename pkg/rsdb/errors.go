package rsdb

import (
	"errors"
	"fmt"

	"github.com/eigerco/rsdb/pkg/db"
)

var (
	// ErrHandleCreationFailed is wrapped by every error that reports an engine
	// constructor handing back a null descriptor.
	ErrHandleCreationFailed = errors.New("rsdb: handle creation failed")

	ErrConfigCreationFailed = fmt.Errorf("%w: configuration", ErrHandleCreationFailed)
	ErrOpenFailed           = fmt.Errorf("%w: open tree", ErrHandleCreationFailed)
	ErrScanFailed           = fmt.Errorf("%w: scan", ErrHandleCreationFailed)

	ErrInvalidHandle   = errors.New("rsdb: invalid handle")
	ErrUseAfterRelease = errors.New("rsdb: handle used after release")

	// ErrPathNotSet is returned by OpenTree when the configuration has neither
	// a path nor the temporary flag.
	ErrPathNotSet = db.ErrPathNotSet

	ErrNegativeInterval = errors.New("rsdb: negative flush interval")
)

// BackendError is a failure reported by the engine.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("rsdb: %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backend(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}
