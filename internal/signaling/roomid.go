package signaling

import (
	"crypto/rand"
	"log"
	"math/big"
	"strings"
)

const (
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	RoomIDLength   = 6
)

// NewRoomID returns a random six character id such as "AB12CD".
func NewRoomID() string {
	var b strings.Builder
	b.Grow(RoomIDLength)
	for i := 0; i < RoomIDLength; i++ {
		b.WriteByte(roomIDAlphabet[randomIndex(len(roomIDAlphabet))])
	}
	return b.String()
}

// NormalizeRoomID makes room ids case-insensitive.
func NormalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		log.Panic("Failed to generate random index:", err)
	}
	return int(n.Int64())
}
