package db

import "errors"

var (
	// ErrUnknownDescriptor is returned by an engine for a descriptor it never
	// issued or has already freed.
	ErrUnknownDescriptor = errors.New("db: unknown descriptor")
	// ErrUnsupported is returned for configuration knobs or calls an engine has
	// no equivalent for.
	ErrUnsupported = errors.New("db: operation not supported by engine")
	// ErrPathNotSet is returned by OpenTree when neither a path nor the
	// temporary flag was configured.
	ErrPathNotSet = errors.New("db: configuration path not set")
)

// ConfigRef, TreeRef and IterRef are opaque engine descriptors. The zero value
// is the null descriptor and signals a failed constructor.
type (
	ConfigRef uintptr
	TreeRef   uintptr
	IterRef   uintptr
)

// Engine is the foreign boundary: a fixed set of calls into an externally
// implemented ordered key-value store. Every descriptor an engine hands out
// must be released exactly once with the matching Free call.
//
// Engines must make CompareAndSwap atomic with respect to every other
// mutation of the same store, and must report the actual value from the same
// read that decided the comparison.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string

	CreateConfig() ConfigRef
	ConfigSetPath(cfg ConfigRef, path []byte) error
	ConfigSetTemporary(cfg ConfigRef, temporary bool) error
	ConfigSetReadOnly(cfg ConfigRef, readOnly bool) error
	ConfigSetCacheCapacity(cfg ConfigRef, bytes uint64) error
	ConfigSetUseCompression(cfg ConfigRef, use bool) error
	// ConfigSetFlushEvery sets the background sync interval in milliseconds.
	// Zero means every write is synced before it returns.
	ConfigSetFlushEvery(cfg ConfigRef, ms uint64) error
	FreeConfig(cfg ConfigRef) error

	// OpenTree returns the null descriptor on failure; the error, when
	// non-nil, explains why.
	OpenTree(cfg ConfigRef) (TreeRef, error)
	FreeTree(tree TreeRef) error
	Flush(tree TreeRef) error

	// Get returns an absent Buffer when the key does not exist.
	Get(tree TreeRef, key []byte) (Buffer, error)
	Set(tree TreeRef, key, value []byte) error
	Delete(tree TreeRef, key []byte) error
	// CompareAndSwap replaces the value of key with newValue if its current
	// value equals expected. An absent expected requires the key to be
	// missing; an absent newValue deletes the key. When the swap does not
	// happen, actual holds the current value, itself possibly absent.
	CompareAndSwap(tree TreeRef, key []byte, expected, newValue Value) (swapped bool, actual Buffer, err error)

	// Scan returns an iterator positioned before the first key >= start.
	Scan(tree TreeRef, start []byte) (IterRef, error)
	// IterNext advances the iterator. Key and value buffers are only valid
	// until the next IterNext or FreeIter on the same iterator.
	IterNext(it IterRef) (key, value Buffer, ok bool, err error)
	FreeIter(it IterRef) error
}
