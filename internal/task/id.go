// Package task generates task identifiers.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewID returns a timestamp-prefixed id with a random suffix, so concurrent
// submissions landing in the same clock second cannot collide the way the
// source's bare time.time() ids did.
func NewID() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("task_%d_%s", time.Now().Unix(), hex.EncodeToString(buf[:]))
}
