package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewSessionID returns a sortable session identifier of the form
// swarm-YYYYMMDD-HHMMSS-<hex>. The random suffix keeps two sessions
// started within the same second apart.
func NewSessionID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; fall back to the clock's sub-second bits.
		now := time.Now().UnixNano()
		for i := range buf {
			buf[i] = byte(now >> (8 * i))
		}
	}
	return fmt.Sprintf("swarm-%s-%s",
		time.Now().UTC().Format("20060102-150405"), hex.EncodeToString(buf))
}
