package keystore

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/projecteru2/vmcpd/types"
)

var (
	ErrNoSignature        = errors.New("payload carries no signature")
	ErrUnknownDomain      = errors.New("domain is not in the keystore")
	ErrMalformedKey       = errors.New("malformed public key")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrBadSignature       = errors.New("signature does not match")
)

// SignatureField is the payload key holding the base64 signature.
const SignatureField = "signature"

// SigningInput builds the canonical byte string a domain signs: one
// "key=value\n" line per string or integral field, keys lower-cased and
// sorted, the signature itself excluded, followed by the salt.
func SigningInput(payload types.Payload, salt string) []byte {
	type field struct{ key, val string }
	fields := make([]field, 0, len(payload))
	for k, v := range payload {
		key := strings.ToLower(k)
		if key == SignatureField {
			continue
		}
		if val, ok := canonicalValue(v); ok {
			fields = append(fields, field{key, val})
		}
	}
	slices.SortFunc(fields, func(a, b field) int {
		if c := strings.Compare(a.key, b.key); c != 0 {
			return c
		}
		return strings.Compare(a.val, b.val)
	})

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.val)
		b.WriteByte('\n')
	}
	b.WriteString(salt)
	return []byte(b.String())
}

// canonicalValue renders strings percent-encoded and integers in decimal.
// Other types do not take part in the signature.
func canonicalValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return escape(t), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return strconv.FormatInt(int64(t), 10), true
		}
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

// escape percent-encodes everything outside the RFC 3986 unreserved set.
// QueryEscape already encodes a literal '+', so any '+' left is a space.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// verifyWith checks sig (base64) over data with pub.
func verifyWith(scheme Scheme, pub crypto.PublicKey, data []byte, sig string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return types.WrapError(types.CodeNotValidated, "decode signature", fmt.Errorf("%w: %w", ErrMalformedSignature, err))
	}
	switch k := pub.(type) {
	case *rsa.PublicKey:
		digest := sha512.Sum512(data)
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA512, digest[:], raw); err != nil {
			return types.WrapError(types.CodeNotValidated, "verify "+string(scheme), ErrBadSignature)
		}
	case ed25519.PublicKey:
		if len(raw) != ed25519.SignatureSize {
			return types.WrapError(types.CodeNotValidated, "verify "+string(scheme), ErrMalformedSignature)
		}
		if !ed25519.Verify(k, data, raw) {
			return types.WrapError(types.CodeNotValidated, "verify "+string(scheme), ErrBadSignature)
		}
	default:
		return types.WrapError(types.CodeNotValidated, "verify", ErrMalformedKey)
	}
	return nil
}
