package driver

import "unicode/utf8"

// Policy defines what a client may ask for when a cluster is created.
type Policy struct {
	DefaultImage   string   // node image used when the client does not pick one
	Images         []string // allowed node images; empty allows only DefaultImage
	Workers        int      // worker nodes per sandbox
	MaxOutputBytes int      // stdout returned from Exec is truncated to this size, 0 = unlimited
}

// DefaultPolicy returns the defaults used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		DefaultImage:   "",
		Workers:        0,
		MaxOutputBytes: 1 << 20,
	}
}

// IsImageAllowed checks if an image is on the allowlist.
// The empty image always resolves to DefaultImage and is allowed.
func (p Policy) IsImageAllowed(image string) bool {
	if image == "" || image == p.DefaultImage {
		return true
	}
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}

// Options resolves the create options for a requested image.
func (p Policy) Options(image string) CreateOptions {
	if image == "" {
		image = p.DefaultImage
	}
	return CreateOptions{NodeImage: image, Workers: p.Workers}
}

// Truncate caps command output at MaxOutputBytes without splitting a rune.
func (p Policy) Truncate(out string) string {
	if p.MaxOutputBytes <= 0 || len(out) <= p.MaxOutputBytes {
		return out
	}
	return TruncateUTF8(out, p.MaxOutputBytes) + "\n... (output truncated)"
}

// TruncateUTF8 returns the longest prefix of s that is at most n bytes and
// ends on a rune boundary.
func TruncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
