// Package cos: ID generation, adapted from the teacher's cos.GenUUID/
// cos.HashK8sProxyID family: short correlation tags and stable string
// hashes. No other package of the engine calls these helpers.
package cos

import (
	"crypto/rand"
	"strconv"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var sid *shortid.Shortid

// InitTagGenerator seeds the short-ID generator; GenTag calls it with seed
// 1 if it has not been called before.
func InitTagGenerator(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

// GenTag returns a short, log-friendly correlation tag, the same role
// cos.GenUUID plays for the teacher's daemon/xaction IDs.
func GenTag() string {
	if sid == nil {
		InitTagGenerator(1)
	}
	return sid.MustGenerate()
}

// HashKey64 returns a stable 64-bit hash of s.
func HashKey64(s string) uint64 {
	return xxhash.Checksum64S([]byte(s), 0)
}

// CryptoRandS returns a cryptographically random alphanumeric string of
// length l, for where a collision-resistant tag matters more than a
// readable one.
func CryptoRandS(l int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, l)
	buf := make([]byte, l)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is a platform-level emergency; degrade to a
		// fixed pattern rather than panicking a long-lived client process.
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	for i, c := range buf {
		b[i] = letters[int(c)%len(letters)]
	}
	return string(b)
}

// FormatHash36 renders a 64-bit hash in base36, compact for log lines.
func FormatHash36(h uint64) string { return strconv.FormatUint(h, 36) }
