package server

import (
	"fmt"
	"testing"
	"time"
)

func TestVerifyWebhookSignature(t *testing.T) {
	secret := "trigger-secret"
	body := []byte(`{"ping":1}`)
	now := time.Unix(1700000000, 0)
	ts := fmt.Sprintf("%d", now.Unix())

	sig := computeWebhookSignature(secret, ts, body)

	if err := verifyWebhookSignature(secret, ts, sig, body, now); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifyWebhookSignatureMismatch(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts := fmt.Sprintf("%d", now.Unix())
	body := []byte(`{"ping":1}`)

	sig := computeWebhookSignature("right-secret", ts, body)

	if err := verifyWebhookSignature("wrong-secret", ts, sig, body, now); err == nil {
		t.Fatal("signature from a different secret must be rejected")
	}

	// Tampered body.
	if err := verifyWebhookSignature("right-secret", ts, sig, []byte(`{"ping":2}`), now); err == nil {
		t.Fatal("tampered body must be rejected")
	}
}

func TestVerifyWebhookSignatureSkew(t *testing.T) {
	secret := "trigger-secret"
	body := []byte(`{}`)
	now := time.Unix(1700000000, 0)

	// 6 minutes old: outside the window.
	old := fmt.Sprintf("%d", now.Add(-6*time.Minute).Unix())
	sig := computeWebhookSignature(secret, old, body)
	if err := verifyWebhookSignature(secret, old, sig, body, now); err == nil {
		t.Fatal("stale timestamp must be rejected")
	}

	// 4 minutes old: inside the window.
	recent := fmt.Sprintf("%d", now.Add(-4*time.Minute).Unix())
	sig = computeWebhookSignature(secret, recent, body)
	if err := verifyWebhookSignature(secret, recent, sig, body, now); err != nil {
		t.Fatalf("recent timestamp rejected: %v", err)
	}

	// Future skew is symmetric.
	future := fmt.Sprintf("%d", now.Add(6*time.Minute).Unix())
	sig = computeWebhookSignature(secret, future, body)
	if err := verifyWebhookSignature(secret, future, sig, body, now); err == nil {
		t.Fatal("future timestamp must be rejected")
	}
}

func TestVerifyWebhookSignatureBadTimestamp(t *testing.T) {
	if err := verifyWebhookSignature("s", "not-a-number", "sig", nil, time.Now()); err == nil {
		t.Fatal("malformed timestamp must be rejected")
	}
}
