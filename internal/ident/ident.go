// Package ident mints the opaque random identifiers used for browser
// sessions and purse tokens. Ids must be unguessable, so they always come
// from the platform's secure random source.
package ident

import (
	"crypto/rand"
	"fmt"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DefaultLen is 43 characters over a 62-character alphabet, which gives an
// id space larger than 2^256.
const DefaultLen = 43

// NewRandomID returns a fresh id of DefaultLen characters.
func NewRandomID() string {
	return NewRandomIDLen(DefaultLen)
}

// NewRandomIDLen returns a fresh id of n characters. It panics if the
// secure random source fails; there is no acceptable fallback.
func NewRandomIDLen(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("ident: secure random source unavailable: %v", err))
	}
	// Rejection sampling keeps the draw uniform over the alphabet.
	out := make([]byte, 0, n)
	limit := byte(len(alphabet) * (256 / len(alphabet))) // 248
	for len(out) < n {
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
		if len(out) < n {
			if _, err := rand.Read(buf); err != nil {
				panic(fmt.Sprintf("ident: secure random source unavailable: %v", err))
			}
		}
	}
	return string(out)
}
