// Package randutil implements random utilities.
package randutil

import (
	"encoding/hex"
	"math/rand"
)

const ll = "0123456789abcdefghijklmnopqrstuvwxyz"

// String returns a random string of lower-case letters and digits.
func String(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = ll[rand.Intn(len(ll))]
	}
	return string(b)
}

func Bytes(n int) []byte {
	return []byte(String(n))
}

// openssl rand -hex 32
func Hex(n int) string {
	return hex.EncodeToString(Bytes(n))
}
