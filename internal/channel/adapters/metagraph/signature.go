// Package metagraph holds the plumbing shared by the Meta-family adapters
// (WhatsApp Cloud API, Instagram, Messenger): webhook signatures, the
// subscription handshake, the 24-hour customer-service window and a Graph
// API client.
package metagraph

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/cateringcrm/omnichannel/internal/channel"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against HMAC-SHA256(appSecret, body).
func VerifySignature(appSecret string, body []byte, header string) error {
	const op = "metagraph.verify"
	if strings.TrimSpace(appSecret) == "" {
		return channel.Errorf(channel.KindConfigurationMissing, op, "app secret is not configured")
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, signaturePrefix) {
		return channel.Errorf(channel.KindSignatureInvalid, op, "missing %s prefix", signaturePrefix)
	}
	got, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return channel.Errorf(channel.KindSignatureInvalid, op, "signature is not hex")
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return channel.Errorf(channel.KindSignatureInvalid, op, "signature mismatch")
	}
	return nil
}

// VerifyHandshake answers GET hub.mode=subscribe&hub.verify_token=..&hub.challenge=..
func VerifyHandshake(expected, mode, token, challenge string) (string, error) {
	const op = "metagraph.handshake"
	if strings.TrimSpace(expected) == "" {
		return "", channel.Errorf(channel.KindConfigurationMissing, op, "verify token is not configured")
	}
	if mode != "subscribe" {
		return "", channel.Errorf(channel.KindSignatureInvalid, op, "unexpected hub.mode %q", mode)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return "", channel.Errorf(channel.KindSignatureInvalid, op, "verify token mismatch")
	}
	return challenge, nil
}
