package keystore

import (
	"bufio"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Scheme names the signature algorithm a domain signs its VMCP responses with.
type Scheme string

const (
	// SchemeRSASHA512 is PKCS#1 v1.5 over SHA-512 with a base64 PKIX DER key.
	SchemeRSASHA512 Scheme = "rsa-sha512"
	// SchemeEd25519 uses an OpenSSH authorized-key line.
	SchemeEd25519 Scheme = "ed25519"
)

// ErrEmptyBundle is returned when a bundle carries no usable entries.
var ErrEmptyBundle = errors.New("key bundle has no entries")

// DomainKey is one trusted-domain entry of the bundle.
type DomainKey struct {
	Domain string `json:"domain"`
	Scheme Scheme `json:"scheme"`
	Key    string `json:"key"`

	pub crypto.PublicKey
}

// ParseBundle parses "domain=[scheme:]key" lines. Blank lines and lines
// starting with '#' are skipped. A malformed line fails the whole bundle.
func ParseBundle(text string) (map[string]DomainKey, error) {
	entries := map[string]DomainKey{}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20) //nolint:mnd
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domain, value, ok := strings.Cut(line, "=")
		domain = strings.ToLower(strings.TrimSpace(domain))
		if !ok || domain == "" {
			return nil, fmt.Errorf("line %d: expected domain=key", lineNo)
		}
		entry, err := parseEntry(domain, strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries[domain] = entry
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}
	return entries, nil
}

func parseEntry(domain, value string) (DomainKey, error) {
	entry := DomainKey{Domain: domain, Scheme: SchemeRSASHA512, Key: value}
	for _, s := range []Scheme{SchemeRSASHA512, SchemeEd25519} {
		if rest, ok := strings.CutPrefix(value, string(s)+":"); ok {
			entry.Scheme, entry.Key = s, strings.TrimSpace(rest)
			break
		}
	}
	pub, err := parsePublicKey(entry.Scheme, entry.Key)
	if err != nil {
		return DomainKey{}, fmt.Errorf("domain %s: %w", domain, err)
	}
	entry.pub = pub
	return entry, nil
}

func parsePublicKey(scheme Scheme, key string) (crypto.PublicKey, error) {
	switch scheme {
	case SchemeRSASHA512:
		return parseRSAKey(key)
	case SchemeEd25519:
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
		}
		cpk, ok := pk.(ssh.CryptoPublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMalformedKey, pk.Type())
		}
		edk, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: expected ed25519, got %s", ErrMalformedKey, pk.Type())
		}
		return edk, nil
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrMalformedKey, scheme)
	}
}

// parseRSAKey decodes a base64 PKIX DER RSA public key.
func parseRSAKey(key string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	rk, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected RSA, got %T", ErrMalformedKey, pub)
	}
	return rk, nil
}
