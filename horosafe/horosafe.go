// Package horosafe holds the small guards used where adsbalert takes input
// from configuration or the network: webhook signing secrets, cache file
// names derived from watchlist names, and bounded reads of remote bodies.
package horosafe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// MinSecretLen is the shortest HMAC secret accepted for signing webhook
// bodies: 32 bytes, the SHA-256 block of entropy.
const MinSecretLen = 32

// MaxListBody caps a downloaded watchlist. The largest public plane-alert
// lists are a few MiB.
const MaxListBody int64 = 64 << 20

// MaxFeedBody caps an aircraft.json fetched over HTTP. A busy receiver
// writes well under 10 MiB.
const MaxFeedBody int64 = 64 << 20

var (
	// ErrSecretTooShort is returned by ValidateSecret.
	ErrSecretTooShort = fmt.Errorf("horosafe: secret must be at least %d bytes", MinSecretLen)
	// ErrPathTraversal is returned when a name would leave its base directory.
	ErrPathTraversal = errors.New("horosafe: path traversal detected")
	// ErrTooLarge is returned when a body exceeds its cap.
	ErrTooLarge = errors.New("horosafe: body too large")
)

// ValidateSecret rejects secrets shorter than MinSecretLen.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// SafePath joins name under base. Separators, "..", and a leading dot are
// refused, so the result is always a direct child of base.
func SafePath(base, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || strings.Contains(name, "..") ||
		strings.ContainsAny(name, `/\`+"\x00") {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	base = filepath.Clean(base)
	p := filepath.Join(base, name)
	if filepath.Dir(p) != base {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	return p, nil
}

// CopyN copies r to w and fails with ErrTooLarge once more than limit
// bytes have been read. w may already hold limit+1 bytes when that happens.
func CopyN(w io.Writer, r io.Reader, limit int64) (int64, error) {
	n, err := io.Copy(w, io.LimitReader(r, limit+1))
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
	}
	return n, nil
}

// LimitedReadAll reads r into memory, failing with ErrTooLarge past limit
// bytes.
func LimitedReadAll(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := CopyN(&buf, r, limit); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
