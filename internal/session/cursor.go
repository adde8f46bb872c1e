package session

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cursor is the keyset position of the last returned post. Encoded form is
// opaque to callers and must round-trip exactly.
type cursor struct {
	CreatedAtMicros int64  `cbor:"1,keyasint"`
	PostID          string `cbor:"2,keyasint"`
}

// EncodeCursor builds the opaque page token for a post's sort position.
func EncodeCursor(p Post) string {
	c := cursor{CreatedAtMicros: p.CreatedAt.UnixMicro(), PostID: p.ID}
	data, err := cbor.Marshal(c)
	if err != nil {
		// cursor is two scalar fields; Marshal cannot fail on it
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a page token previously produced by EncodeCursor.
func DecodeCursor(token string) (createdAtMicros int64, postID string, err error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	var c cursor
	if err := cbor.Unmarshal(data, &c); err != nil {
		return 0, "", fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	return c.CreatedAtMicros, c.PostID, nil
}
