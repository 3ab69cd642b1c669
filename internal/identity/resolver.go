package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"time"
)

const (
	dayLayout = "2006-01-02"
	idLength  = 32
)

// Resolve derives the session id for a client on the calendar day (UTC) of day.
// The same address and signature map to the same id for the whole day.
// Every field is length-prefixed, so no choice of bytes in the address or
// signature can make two different pairs hash the same input.
func Resolve(sourceAddress, clientSignature string, day time.Time) string {
	h := sha256.New()
	writeField(h, sourceAddress)
	writeField(h, clientSignature)
	writeField(h, day.UTC().Format(dayLayout))
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

func writeField(h hash.Hash, field string) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(field)))
	h.Write(size[:])
	h.Write([]byte(field))
}
