package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/starford/flowboard/internal/models"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Node returns the revision of n: a digest over every mirrored field.
func Node(n models.Node) string {
	h := sha256.New()
	for _, part := range []string{
		n.ID,
		n.ParentID,
		n.Text,
		n.Note,
		strconv.FormatInt(n.Priority, 10),
		string(n.LayoutMode),
		stamp(n.CreatedAt),
		stamp(n.ModifiedAt),
		completed(n.CompletedAt),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func completed(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return stamp(*t)
}
