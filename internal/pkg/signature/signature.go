// Package signature produces keyed digests over ledger rows so that any later
// edit of a stored row can be detected.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrEmptySecret is returned when a signer is built without key material.
var ErrEmptySecret = errors.New("signature secret must not be empty")

// Fields are the ledger values covered by a signature.
type Fields struct {
	WalletID      string
	Type          string
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	ReferenceID   string
	Timestamp     time.Time
}

// Signer computes HMAC-SHA256 digests with a server-held secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{secret: []byte(secret)}, nil
}

// BuildBase joins the fields in a fixed order. The reference id is the only
// caller-controlled value and is escaped so it cannot forge a separator.
func BuildBase(f Fields) string {
	parts := []string{
		f.WalletID,
		f.Type,
		strconv.FormatInt(f.Amount, 10),
		strconv.FormatInt(f.BalanceBefore, 10),
		strconv.FormatInt(f.BalanceAfter, 10),
		url.QueryEscape(f.ReferenceID),
		f.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	return strings.Join(parts, ":")
}

// Sign returns the lowercase hex digest (64 chars) for the fields.
func (s *Signer) Sign(f Fields) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(BuildBase(f)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest and compares it with the stored one.
// A missing signature never verifies.
func (s *Signer) Verify(f Fields, signature string) bool {
	if strings.TrimSpace(signature) == "" {
		return false
	}
	return VerifyHex(s.Sign(f), signature)
}

func VerifyHex(expectedHex, receivedHex string) bool {
	expected := strings.ToLower(strings.TrimSpace(expectedHex))
	received := strings.ToLower(strings.TrimSpace(receivedHex))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(received)) == 1
}
