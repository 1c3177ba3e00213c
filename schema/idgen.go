package schema

import (
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"
)

// newUUID produces a standard UUID string, the `generated: uuid` strategy.
func newUUID() string {
	return uuid.NewString()
}

// cuidEncoding is the base32 "extended hex" alphabet (digits before letters, so encoded
// strings sort in the same order as the bytes they encode), without padding, used to
// render cuid-like identifiers as a single lowercase token.
var cuidEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// newCUID produces a collision-resistant, lexicographically-sortable-by-creation-order
// identifier. No CUID-generation library exists anywhere in the dependency pack this
// project draws from; rather than fabricate a dependency, this adapts the one available
// ID generator (google/uuid) into a distinct format: a millisecond timestamp prefix
// (for rough time-ordering) followed by random bytes from a fresh UUID, both rendered
// through a single lowercase base32 alphabet so the result reads as one opaque token
// rather than a UUID with dashes.
func newCUID() string {
	now := time.Now().UnixMilli()
	ts := encodeInt64(now)
	u := uuid.New()
	rnd := strings.ToLower(cuidEncoding.EncodeToString(u[:]))
	return "c" + ts + rnd
}

func encodeInt64(v int64) string {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v & 0xff)
		v >>= 8
	}
	return strings.ToLower(cuidEncoding.EncodeToString(buf[:]))
}

// newTimestamp produces the `generated: timestamp` value: the current epoch-ms.
func newTimestamp() int64 {
	return time.Now().UnixMilli()
}
