// Package instanceid derives a stable identifier for this engine instance so
// runs can be attributed across restarts.
package instanceid

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/denisbrodbeck/machineid"
)

// Get returns the machine-bound id, hashed per application so raw hardware
// ids never leave the host. Falls back to a random id when the platform
// cannot provide one.
func Get() string {
	id, err := machineid.ProtectedID("options-core")
	if err == nil && id != "" {
		if len(id) > 16 {
			id = id[:16]
		}
		return id
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return "rnd-" + hex.EncodeToString(buf)
}
