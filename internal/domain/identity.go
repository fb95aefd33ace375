package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	busChannelPrefix = "tether:bus:"
	lockNamePrefix   = "tether:lock:"
)

// StreamIdentity derives the scoping key for a target URL. Every instance
// referencing the same target shares one bus channel and one lock,
// independent of how many instances exist.
func StreamIdentity(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:8])
}

// BusChannel builds the canonical bus channel name for a stream identity.
func BusChannel(identity string) string {
	return fmt.Sprintf("%s%s", busChannelPrefix, identity)
}

// LockName builds the canonical lock name for a stream identity.
func LockName(identity string) string {
	return fmt.Sprintf("%s%s", lockNamePrefix, identity)
}
