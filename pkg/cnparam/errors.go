package cnparam

import "github.com/pkg/errors"

// Common errors.
var (
	ErrInvalidMagic  = errors.New("invalid magic: not a CNParam container")
	ErrInvalidRecord = errors.New("invalid parameter record")
	ErrShapeMismatch = errors.New("tensor shape does not match its data")
	ErrClosed        = errors.New("container is closed")
)
