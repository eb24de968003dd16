package pebble

import "errors"

const (
	ErrInIteratorCreation = "pebble: failed to create iterator: %w"
	ErrIteratorValue      = "pebble: failed to read iterator value: %w"
	ErrOpeningStore       = "pebble: failed to open %s: %w"
)

var ErrClosed = errors.New("pebble: store is closed")
