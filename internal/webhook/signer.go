package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const signaturePrefix = "sha256="

// Sign computes the hex HMAC-SHA256 digest over the decimal unix timestamp
// followed by the payload bytes. The digest is recomputed fresh on every
// attempt, so a rotated secret takes effect on the next attempt of any
// in-flight delivery.
func Sign(secret, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the digest for the signature header.
func SignatureHeader(secret, payload []byte, ts time.Time) string {
	return signaturePrefix + Sign(secret, payload, ts)
}

// TimestampHeader formats ts for the timestamp header (unix seconds).
func TimestampHeader(ts time.Time) string {
	return strconv.FormatInt(ts.Unix(), 10)
}

// VerifySignature checks a received signature and timestamp header pair
// against the shared secret. The timestamp must be within leeway of now,
// which is what makes the digest replay-resistant.
func VerifySignature(secret, payload []byte, tsValue, sigValue string, leeway time.Duration, now time.Time) error {
	if tsValue == "" || sigValue == "" {
		return errors.New("missing signature headers")
	}
	unix, err := strconv.ParseInt(tsValue, 10, 64)
	if err != nil {
		return errors.New("invalid timestamp")
	}
	skew := now.Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return errors.New("timestamp outside leeway")
	}
	want := SignatureHeader(secret, payload, time.Unix(unix, 0))
	if !hmac.Equal([]byte(sigValue), []byte(want)) {
		return errors.New("signature mismatch")
	}
	return nil
}
