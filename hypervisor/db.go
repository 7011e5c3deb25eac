package hypervisor

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/projecteru2/vmcpd/types"
)

// keySalt is mixed into every session secret before hashing.
const keySalt = "_WSAStartup@8452"

// SessionRecord is the persisted record for a single session.
type SessionRecord struct {
	types.SessionInfo

	// KeyHash is HashKey(secret); the secret itself is never stored.
	KeyHash string `json:"key_hash"`
	// DiskPath is the local copy of Config.DiskURL, empty when none.
	DiskPath string `json:"disk_path,omitempty"`
}

// SessionIndex is the top-level DB structure of a hypervisor backend.
type SessionIndex struct {
	Sessions map[string]*SessionRecord `json:"sessions"`
	Names    map[string]string         `json:"names"` // name → session ID
}

// Init implements storage.Initer.
func (idx *SessionIndex) Init() {
	if idx.Sessions == nil {
		idx.Sessions = make(map[string]*SessionRecord)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
}

// GenerateID returns a random 16-character hex string (8 bytes of entropy).
func GenerateID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// HashKey returns the stored form of a session secret.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(keySalt + secret))
	return hex.EncodeToString(sum[:])
}

// KeyMatches compares secret against a stored hash in constant time.
func KeyMatches(hash, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(hash), []byte(HashKey(secret))) == 1
}

// ResolveSessionRef resolves a user-supplied reference (exact ID, name, or
// ID prefix of at least 3 chars) to a full session ID.
func ResolveSessionRef(idx *SessionIndex, ref string) (string, error) {
	if idx.Sessions[ref] != nil {
		return ref, nil
	}
	if id, ok := idx.Names[ref]; ok && idx.Sessions[id] != nil {
		return id, nil
	}
	if len(ref) >= 3 {
		var match string
		for id := range idx.Sessions {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous ref %q: multiple matches", ref)
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", ErrNotFound
}

// mib converts the VMCP megabyte fields to bytes.
const mib = 1 << 20

// ConfigFromPayload extracts the session parameters a VMCP response carries.
// Memory and disk are given in megabytes. The caller has already checked
// that name is present.
func ConfigFromPayload(p types.Payload) types.SessionConfig {
	cfg := types.SessionConfig{
		Name:         p.Get("name", ""),
		Version:      p.Get("version", ""),
		DiskURL:      p.Get("diskURL", ""),
		DiskChecksum: strings.ToLower(p.Get("diskChecksum", "")),
	}
	if v, ok := p.Int("cpus"); ok {
		cfg.CPUs = int(v)
	}
	if v, ok := p.Int("memory"); ok {
		cfg.Memory = v * mib
	}
	if v, ok := p.Int("disk"); ok {
		cfg.Disk = v * mib
	}
	if v, ok := p.Int("flags"); ok {
		cfg.Flags = v
	}
	if v, ok := p.Int("apiPort"); ok {
		cfg.APIPort = int(v)
	}
	return cfg
}
