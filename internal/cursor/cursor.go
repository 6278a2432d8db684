// Package cursor encodes and decodes the opaque keyset pagination token used
// to resume a scan over ledger history.
//
// A cursor carries the (createdAt, id) pair of the last entry of a page. The
// wire form is base64url(JSON) with a version tag so the payload shape can
// change without breaking tokens already handed out.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Version is the payload version written by Encode
const Version = 1

// maxEncodedLen bounds the input accepted by Decode
const maxEncodedLen = 512

// ErrMalformed is returned for any token that cannot be decoded
var ErrMalformed = errors.New("malformed cursor")

// Cursor is the position of the last entry seen
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

type payload struct {
	V  int    `json:"v"`
	T  string `json:"t"`
	ID string `json:"id"`
}

// Encode returns the opaque token for c
func Encode(c Cursor) (string, error) {
	if c.ID <= 0 {
		return "", fmt.Errorf("%w: id must be positive", ErrMalformed)
	}
	if c.CreatedAt.IsZero() {
		return "", fmt.Errorf("%w: timestamp is required", ErrMalformed)
	}
	raw, err := json.Marshal(payload{
		V:  Version,
		T:  c.CreatedAt.UTC().Format(time.RFC3339Nano),
		ID: strconv.FormatInt(c.ID, 10),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a token produced by Encode. Every failure wraps ErrMalformed.
func Decode(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}
	if len(token) > maxEncodedLen {
		return Cursor{}, fmt.Errorf("%w: token too long", ErrMalformed)
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: not base64url", ErrMalformed)
	}

	var p payload
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Cursor{}, fmt.Errorf("%w: bad payload", ErrMalformed)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Cursor{}, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	switch p.V {
	case 1:
		return decodeV1(p)
	default:
		return Cursor{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, p.V)
	}
}

func decodeV1(p payload) (Cursor, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, p.T)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: bad timestamp", ErrMalformed)
	}
	id, err := strconv.ParseInt(p.ID, 10, 64)
	if err != nil || id <= 0 {
		return Cursor{}, fmt.Errorf("%w: bad id", ErrMalformed)
	}
	return Cursor{CreatedAt: createdAt.UTC(), ID: id}, nil
}

// Before reports whether an entry at (createdAt, id) sorts after the cursor in
// the ledger's listing order: createdAt descending, then id ascending.
func (c Cursor) Before(createdAt time.Time, id int64) bool {
	if createdAt.Before(c.CreatedAt) {
		return true
	}
	return createdAt.Equal(c.CreatedAt) && id > c.ID
}
