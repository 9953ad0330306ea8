package overlay

import "errors"

var (
	ErrBusy           = errors.New("overlay: processing in progress")
	ErrUserCancelled  = errors.New("overlay: no image selected")
	ErrNoOverlay      = errors.New("overlay: no overlay loaded")
	ErrStale          = errors.New("overlay: result discarded, request was superseded")
	ErrInvalidScale   = errors.New("overlay: scale percent must be >= 1")
	ErrInvalidCanvas  = errors.New("overlay: canvas size must be positive")
	ErrInvalidImage   = errors.New("overlay: invalid image")
	ErrInvalidPointer = errors.New("overlay: invalid pointer event")
	ErrNoRemover      = errors.New("overlay: no background remover configured")
)
