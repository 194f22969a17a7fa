package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// hmacSkewWindow is the allowed gap between the signed timestamp and the
// server clock.
const hmacSkewWindow = 5 * time.Minute

// computeWebhookSignature signs "{ts}.{raw_body}" with the trigger
// secret. The raw body is the bytes exactly as received; no
// re-serialization.
func computeWebhookSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// verifyWebhookSignature checks the timestamp window and the signature
// in constant time.
func verifyWebhookSignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed timestamp")
	}

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(hmacSkewWindow.Seconds()) {
		return fmt.Errorf("timestamp outside the %s window", hmacSkewWindow)
	}

	expected := computeWebhookSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}
