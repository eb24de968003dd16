package testutils

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func RandomBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// TreePath returns a fresh path inside the test's temp dir using the fixture
// directory name of the crash-recovery check.
func TreePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "TREEEEEEE")
}

// Awkward covers the byte sequences that trip up length-based presence
// checks: empty, a single zero byte and embedded zero bytes.
var Awkward = []struct {
	Name  string
	Key   []byte
	Value []byte
}{
	{Name: "plain", Key: []byte("k1"), Value: []byte("v1")},
	{Name: "empty_value", Key: []byte("empty"), Value: []byte{}},
	{Name: "empty_key", Key: []byte{}, Value: []byte("value for empty key")},
	{Name: "zero_byte", Key: []byte{0}, Value: []byte{0}},
	{Name: "embedded_zeros", Key: []byte("a\x00b\x00"), Value: []byte("\x00\x00v\x00")},
	{Name: "high_bytes", Key: []byte{0xff, 0xfe}, Value: []byte{0x80, 0x00, 0xff}},
}
