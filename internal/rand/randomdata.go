// Package rand provides fast random test data generators.
package rand

import (
	"math/rand"
	"sync"
	"time"
)

const letters = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	mu  sync.Mutex
	src = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Bytes returns a random slice of bytes
func Bytes(n int) []byte {
	b := make([]byte, n)
	mu.Lock()
	_, _ = src.Read(b)
	mu.Unlock()
	return b
}

// String returns a random string
func String(n int) string {
	return string(Bytes(n))
}

// LetterBytes returns a random slice of bytes picked in the [0-9]|[a-z] range
func LetterBytes(n int) []byte {
	b := make([]byte, n)
	mu.Lock()
	for i := range b {
		b[i] = letters[src.Intn(len(letters))]
	}
	mu.Unlock()
	return b
}

// LetterString returns a random string picked in the [0-9]|[a-z] range
func LetterString(n int) string {
	return string(LetterBytes(n))
}
