// Package identity computes the deduplication fingerprint of a normalized
// payload and its display security label.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/John-Robertt/subimport/internal/model"
)

// Hash returns the lowercase hex SHA-256 of the canonical JSON form of p.
//
// Canonical form: object keys sorted at every depth, numbers kept as their
// literal text, no insignificant whitespace. The result only depends on the
// payload content, so it is stable across restarts and struct reordering.
func Hash(p model.Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("identity: nil payload")
	}
	b, err := Canonical(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical encodes v as canonical JSON.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("identity: encode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("identity: re-encode: %w", err)
	}
	return out, nil
}

// Security returns the display label of p. It never participates in
// identity.
func Security(p model.Payload) string {
	switch v := p.(type) {
	case model.VmessPayload:
		if v.TLS {
			return "tls"
		}
		return v.Cipher
	case model.VlessPayload:
		if strings.TrimSpace(v.PublicKey) != "" {
			return "reality"
		}
		if v.Fingerprint != "" || v.ALPN != "" {
			return "tls"
		}
		return v.Cipher
	case model.TrojanPayload:
		return "tls"
	case model.SsPayload:
		return v.Cipher
	default:
		return ""
	}
}
