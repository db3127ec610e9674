// Package artifacts is the content-addressed archive for promoted
// breakthrough transcripts. References have the form "sha256:<hex>" and the
// same bytes always map to the same reference.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a reference is not in the archive.
var ErrNotFound = errors.New("artifacts: not found")

const refPrefix = "sha256:"

// Archive stores immutable blobs by content hash.
type Archive interface {
	// Put stores data and returns its reference. Storing the same bytes
	// twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// digest returns the reference and hex digest for data.
func digest(data []byte) (ref, hexSum string) {
	sum := sha256.Sum256(data)
	hexSum = hex.EncodeToString(sum[:])
	return refPrefix + hexSum, hexSum
}

// parseRef validates ref and returns its hex digest.
func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", fmt.Errorf("artifacts: invalid reference %q", ref)
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("artifacts: invalid reference digest %q", ref)
	}
	return raw, nil
}

func objectKey(prefix, hexSum string) string {
	return prefix + hexSum + ".json"
}
