// Package update throttles, deduplicates and sequences remote snapshots before they
// are merged into a board's live canvas.
package update

import (
	"math"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/gosuda/boardsync/internal/domain"
)

// fieldPrefixLen bounds how much of a long field (path data) enters the fingerprint.
const fieldPrefixLen = 100

// Fingerprint derives a cheap structural digest of snap: the object count plus each
// object's id, type, rounded position and a prefix of its path data.
// It returns "" when snap has no objects list; callers must not dedupe on "".
func Fingerprint(snap domain.Snapshot) string {
	if !snap.HasObjects() {
		return ""
	}

	var b strings.Builder
	b.WriteString(strconv.Itoa(len(snap.Objects)))
	for _, s := range snap.Objects {
		b.WriteByte(';')
		b.WriteString(s.ID)
		b.WriteByte('|')
		b.WriteString(s.Type)
		b.WriteByte('|')
		b.WriteString(roundedField(s, "left"))
		b.WriteByte('|')
		b.WriteString(roundedField(s, "top"))
		b.WriteByte('|')
		if raw, ok := s.Get("path"); ok {
			b.Write(truncate(raw, fieldPrefixLen))
		}
	}
	if snap.Background != "" {
		b.WriteString(";bg=")
		b.WriteString(snap.Background)
	}

	return strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

func roundedField(s domain.Shape, key string) string {
	f, ok := s.Float(key)
	if !ok {
		return ""
	}
	return strconv.FormatInt(int64(math.Round(f)), 10)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
