package sandbox

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// IDPrefix marks clusters owned by kubebox.
	IDPrefix = "sb-"

	idAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	idSuffixLength = 10
)

// NewID returns a fresh sandbox id: IDPrefix followed by a fixed-length
// random suffix. Equal length means no id is a substring of another.
func NewID() (string, error) {
	// 252 is the largest multiple of 36 below 256; higher bytes are rejected
	const limit = 256 - 256%len(idAlphabet)

	suffix := make([]byte, 0, idSuffixLength)
	buf := make([]byte, idSuffixLength*2)
	for len(suffix) < idSuffixLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generating sandbox id: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			suffix = append(suffix, idAlphabet[int(b)%len(idAlphabet)])
			if len(suffix) == idSuffixLength {
				break
			}
		}
	}
	return IDPrefix + string(suffix), nil
}

// ValidID reports whether id has the shape produced by NewID.
func ValidID(id string) bool {
	suffix, ok := strings.CutPrefix(id, IDPrefix)
	if !ok || len(suffix) != idSuffixLength {
		return false
	}
	for i := 0; i < len(suffix); i++ {
		if !strings.ContainsRune(idAlphabet, rune(suffix[i])) {
			return false
		}
	}
	return true
}
