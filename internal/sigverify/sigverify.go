// Package sigverify implements wallet challenge/response authentication.
// Challenges are fixed three-line templates carrying a wall-clock timestamp
// and a random nonce; clients prove wallet ownership by signing the exact
// message bytes with their Ed25519 wallet key.
package sigverify

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

const (
	signInTitle       = "copyflow.io wants you to sign in with your wallet"
	revealTitlePrefix = "Reveal private key for wallet "

	timestampPrefix = "Timestamp: "
	noncePrefix     = "Nonce: "

	// MaxClockSkew bounds |now - embedded timestamp| for a challenge to be
	// considered fresh. Older signed challenges are replayable and rejected.
	MaxClockSkew = 5 * time.Minute

	nonceBytes = 32
)

// GenerateChallenge produces a sign-in challenge message.
func GenerateChallenge() (string, error) {
	return buildMessage(signInTitle)
}

// GenerateRevealChallenge produces a scoped challenge bound to one trading
// wallet, so a signature authorizing a reveal of wallet A cannot be replayed
// against wallet B.
func GenerateRevealChallenge(walletPubkey string) (string, error) {
	return buildMessage(revealTitlePrefix + walletPubkey)
}

func buildMessage(title string) (string, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	return fmt.Sprintf("%s\n%s%d\n%s%s",
		title,
		timestampPrefix, time.Now().UnixMilli(),
		noncePrefix, base64.RawURLEncoding.EncodeToString(nonce),
	), nil
}

// Verify checks that signature covers exactly the message bytes under the
// wallet's Ed25519 public key. Signature and public key are base58 encoded.
// Returns false, never an error, on any malformed input.
func Verify(message, signatureB58, publicKeyB58 string) bool {
	sig, err := base58.Decode(signatureB58)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	pub, err := base58.Decode(publicKeyB58)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig)
}

// ValidateFreshness parses the embedded timestamp and rejects messages
// outside the allowed clock-skew window.
func ValidateFreshness(message string) bool {
	return ValidateFreshnessAt(message, time.Now())
}

// ValidateFreshnessAt is ValidateFreshness against an explicit clock.
func ValidateFreshnessAt(message string, now time.Time) bool {
	ms, ok := ChallengeTimestamp(message)
	if !ok {
		return false
	}

	issued := time.UnixMilli(ms)
	skew := now.Sub(issued)
	if skew < 0 {
		skew = -skew
	}
	return skew <= MaxClockSkew
}

// ChallengeTimestamp extracts the millisecond timestamp embedded in a
// challenge message.
func ChallengeTimestamp(message string) (int64, bool) {
	ts, ok := parseField(message, timestampPrefix)
	if !ok {
		return 0, false
	}

	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// ValidateScopedMessage checks that message is a well-formed reveal challenge
// whose embedded wallet pubkey matches the resource being acted on.
func ValidateScopedMessage(message, walletPubkey string) bool {
	lines := strings.Split(message, "\n")
	if len(lines) != 3 {
		return false
	}
	if lines[0] != revealTitlePrefix+walletPubkey {
		return false
	}
	if !strings.HasPrefix(lines[1], timestampPrefix) {
		return false
	}
	if _, ok := parseField(message, noncePrefix); !ok {
		return false
	}
	return true
}

// parseField extracts the value of a "Prefix: value" line from the
// three-line message template.
func parseField(message, prefix string) (string, bool) {
	lines := strings.Split(message, "\n")
	if len(lines) != 3 {
		return "", false
	}
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, prefix) {
			value := strings.TrimPrefix(line, prefix)
			if value == "" {
				return "", false
			}
			return value, true
		}
	}
	return "", false
}
