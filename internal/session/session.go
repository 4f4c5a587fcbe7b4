// Package session binds an HTTP caller to at most one sandbox through a
// signed cookie. The cookie only carries the sandbox id; whether the
// sandbox still exists is always checked against the driver by the caller.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// DefaultCookieName is used when Options.CookieName is empty.
const DefaultCookieName = "kubebox_session"

// Options configures a Binder.
type Options struct {
	CookieName string
	HashKey    []byte // required, 32 or 64 bytes recommended
	BlockKey   []byte // optional, 16, 24 or 32 bytes enables encryption
	Secure     bool
	MaxAge     time.Duration // upper bound on token age, normally the sandbox lifetime
	Now        func() time.Time
}

// Token is the cookie payload.
type Token struct {
	SandboxID string `json:"sid"`
	IssuedAt  int64  `json:"iat"`
}

// Binder encodes and decodes the session cookie.
type Binder struct {
	name   string
	secure bool
	maxAge time.Duration
	codec  *securecookie.SecureCookie
	now    func() time.Time
}

// New creates a Binder.
func New(opts Options) (*Binder, error) {
	if len(opts.HashKey) == 0 {
		return nil, errors.New("session hash key is required")
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}

	var block []byte
	if len(opts.BlockKey) > 0 {
		block = opts.BlockKey
	}
	codec := securecookie.New(opts.HashKey, block)
	codec.SetSerializer(securecookie.JSONEncoder{})
	if opts.MaxAge > 0 {
		codec.MaxAge(int(opts.MaxAge.Seconds()))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Binder{
		name:   opts.CookieName,
		secure: opts.Secure,
		maxAge: opts.MaxAge,
		codec:  codec,
		now:    opts.Now,
	}, nil
}

// GenerateKey returns a random key for HashKey or BlockKey.
func GenerateKey(length int) []byte {
	return securecookie.GenerateRandomKey(length)
}

// Resolve returns the sandbox id bound to the request. A missing, forged or
// expired cookie resolves to absent.
func (b *Binder) Resolve(r *http.Request) (string, bool) {
	c, err := r.Cookie(b.name)
	if err != nil || c.Value == "" {
		return "", false
	}

	var tok Token
	if err := b.codec.Decode(b.name, c.Value, &tok); err != nil {
		return "", false
	}
	if tok.SandboxID == "" {
		return "", false
	}
	if b.maxAge > 0 && b.now().Sub(time.Unix(tok.IssuedAt, 0)) > b.maxAge {
		return "", false
	}
	return tok.SandboxID, true
}

// Bind sets a cookie carrying id that expires after expiresIn.
func (b *Binder) Bind(w http.ResponseWriter, id string, expiresIn time.Duration) error {
	value, err := b.codec.Encode(b.name, Token{SandboxID: id, IssuedAt: b.now().Unix()})
	if err != nil {
		return fmt.Errorf("encoding session cookie: %w", err)
	}

	maxAge := int(expiresIn.Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     b.name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  b.now().Add(expiresIn),
		HttpOnly: true,
		Secure:   b.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear removes the session cookie.
func (b *Binder) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     b.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   b.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Present reports whether the request carries the session cookie at all,
// valid or not.
func (b *Binder) Present(r *http.Request) bool {
	c, err := r.Cookie(b.name)
	return err == nil && c.Value != ""
}

// CookieName returns the cookie name.
func (b *Binder) CookieName() string {
	return b.name
}
