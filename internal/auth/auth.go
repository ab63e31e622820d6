package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AUTH VERIFIER - Telegram login claim verification and session tokens
// ═══════════════════════════════════════════════════════════════════════════════
//
// The login widget signs the claim with HMAC-SHA256 keyed by SHA-256 of the
// bot token. The data-check string is all fields except hash, sorted by
// key, joined as "k=v" lines. Session tokens are a second HMAC over
// "userID:authDate" keyed by the raw bot token, so the server stays
// stateless and a token is valid exactly as long as its claim.
//
// ═══════════════════════════════════════════════════════════════════════════════

const claimMaxAge = 24 * time.Hour

var (
	ErrInvalidHash  = errors.New("invalid auth hash")
	ErrClaimExpired = errors.New("auth claim expired")
	ErrBadClaim     = errors.New("malformed auth claim")
)

// User is the verified identity carried by a login claim
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
	AuthDate  int64  `json:"auth_date"`
}

// Verifier checks login claims against the shared bot token
type Verifier struct {
	secretKey []byte
	botToken  []byte
	now       func() time.Time
}

// NewVerifier derives the claim key from the bot token
func NewVerifier(botToken string) *Verifier {
	key := sha256.Sum256([]byte(botToken))
	return &Verifier{
		secretKey: key[:],
		botToken:  []byte(botToken),
		now:       time.Now,
	}
}

// Verify validates a raw claim and returns the attested user
func (v *Verifier) Verify(fields map[string]string) (*User, error) {
	hash := fields["hash"]
	if hash == "" || fields["id"] == "" || fields["auth_date"] == "" {
		return nil, ErrBadClaim
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + fields[k]
	}
	dataCheck := strings.Join(pairs, "\n")

	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(dataCheck))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(hash)) {
		return nil, ErrInvalidHash
	}

	authDate, err := strconv.ParseInt(fields["auth_date"], 10, 64)
	if err != nil {
		return nil, ErrBadClaim
	}
	if v.now().Sub(time.Unix(authDate, 0)) > claimMaxAge {
		return nil, ErrClaimExpired
	}

	userID, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, ErrBadClaim
	}

	return &User{
		ID:        userID,
		FirstName: fields["first_name"],
		LastName:  fields["last_name"],
		Username:  fields["username"],
		PhotoURL:  fields["photo_url"],
		AuthDate:  authDate,
	}, nil
}

// SessionToken mints the stateless session token for a verified claim
func (v *Verifier) SessionToken(userID, authDate int64) string {
	mac := hmac.New(sha256.New, v.botToken)
	fmt.Fprintf(mac, "%d:%d", userID, authDate)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a presented session token by recomputation. The
// claim-age window applies to the token too.
func (v *Verifier) VerifyToken(token string, userID, authDate int64) error {
	if v.now().Sub(time.Unix(authDate, 0)) > claimMaxAge {
		return ErrClaimExpired
	}
	expected := v.SessionToken(userID, authDate)
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return ErrInvalidHash
	}
	return nil
}
