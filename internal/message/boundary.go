package message

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// boundaryMarker prefixes every boundary token.
const boundaryMarker = "MailerLite"

// boundaries holds the delimiters of one compile: the multipart/mixed
// envelope, the nested multipart/alternative and one reserved token.
type boundaries struct {
	mixed       string
	alternative string
	reserved    string
}

// newBoundaries derives three distinct tokens from a hash of the subject and
// seed. An empty seed is replaced by the current time and a random UUID.
func newBoundaries(subject, seed string) boundaries {
	if seed == "" {
		seed = strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + uuid.NewString()
	}

	sum := sha1.Sum([]byte(subject + "-" + seed))
	id := hex.EncodeToString(sum[:])

	return boundaries{
		mixed:       boundaryMarker + "_B1" + id,
		alternative: boundaryMarker + "_B2" + id,
		reserved:    boundaryMarker + "_B3" + id,
	}
}
