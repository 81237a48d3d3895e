package conference

import (
	"crypto/rand"
	"encoding/hex"
)

// newRoomID returns a short, URL-safe room identifier. 8 bytes of entropy is
// plenty for the expected room counts; the registry retries on the off chance
// of a collision.
func newRoomID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
