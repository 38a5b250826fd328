package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrSignatureInvalid = errors.New("payments: invalid webhook signature")

// Manifest is the string Mercado Pago signs for a webhook delivery.
func Manifest(resourceID, requestID, ts string) string {
	return fmt.Sprintf("id:%s;request-id:%s;ts:%s;", resourceID, requestID, ts)
}

// Sign returns the hex HMAC-SHA256 of the manifest under secret.
func Sign(secret, resourceID, requestID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Manifest(resourceID, requestID, ts)))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseSignatureHeader splits an x-signature header of the form "ts=...,v1=...".
func ParseSignatureHeader(header string) (ts, v1 string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "ts":
			ts = strings.TrimSpace(v)
		case "v1":
			v1 = strings.TrimSpace(v)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", fmt.Errorf("%w: malformed x-signature header", ErrSignatureInvalid)
	}
	return ts, v1, nil
}

// VerifySignature checks a webhook delivery. An empty secret disables the
// check; callers should warn about that at startup.
func VerifySignature(secret, header, requestID, resourceID string) error {
	if secret == "" {
		return nil
	}
	if requestID == "" {
		return fmt.Errorf("%w: missing x-request-id", ErrSignatureInvalid)
	}
	ts, v1, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}
	expected := Sign(secret, resourceID, requestID, ts)
	if !hmac.Equal([]byte(strings.ToLower(v1)), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}
