package ma1017

import "errors"

// Error taxonomy shared by every layer of the scanner stack. Callers wrap
// these with context and classify with errors.Is.
var (
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrIO               = errors.New("i/o error")
	ErrNoMemory         = errors.New("out of memory")
	ErrBusy             = errors.New("device busy")
	ErrCancelled        = errors.New("cancelled")
	ErrEndOfData        = errors.New("end of data")
)
