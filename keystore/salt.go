package keystore

import (
	"crypto/rand"
)

const (
	saltChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"
	saltSize  = 64
)

// GenerateSalt returns a fresh 64-character salt over [a-zA-Z0-9-].
// Bytes at or above the largest multiple of the alphabet size are rejected
// so every character is equally likely.
func GenerateSalt() string {
	const limit = 256 - 256%len(saltChars)
	out := make([]byte, 0, saltSize)
	buf := make([]byte, saltSize)
	for len(out) < saltSize {
		_, _ = rand.Read(buf) // crypto/rand.Read never fails on supported platforms
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, saltChars[int(b)%len(saltChars)])
			if len(out) == saltSize {
				break
			}
		}
	}
	return string(out)
}
