// Package access implements the security perimeter shared by both servers:
// the authorized-keys store, the per-source rate limiter, the per-user
// connection tracker, and the audit log helpers.
package access

import (
	"bytes"
	"os"

	"github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// KeyEntry is one parsed authorized_keys line.
type KeyEntry struct {
	Algorithm string
	Wire      []byte // key blob in ssh wire format
	Comment   string
}

// KeyStore holds the set of authorized public keys. Loaded once at startup
// and immutable afterwards.
type KeyStore struct {
	entries []KeyEntry
}

// LoadKeyStore reads an OpenSSH authorized_keys file. Blank lines and lines
// starting with '#' are skipped; unparseable lines are skipped with a warning
// rather than failing the whole load.
func LoadKeyStore(path string) (*KeyStore, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, errors.Wrapf(err, "read authorized keys %q", path)
	}
	return ParseKeyStore(data), nil
}

// ParseKeyStore parses authorized_keys data already in memory.
func ParseKeyStore(data []byte) *KeyStore {
	ks := &KeyStore{}
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		pub, comment, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			lgr.Printf("[WARN] skipping unparseable authorized_keys line: %v", err)
			continue
		}
		ks.entries = append(ks.entries, KeyEntry{
			Algorithm: pub.Type(),
			Wire:      pub.Marshal(),
			Comment:   comment,
		})
	}
	return ks
}

// Len reports how many keys are loaded.
func (ks *KeyStore) Len() int { return len(ks.entries) }

// IsAuthorized matches the presented key against the loaded set. Both the
// algorithm identifier and the raw key bytes must be equal; unknown
// algorithms never match.
func (ks *KeyStore) IsAuthorized(algorithm string, wire []byte) bool {
	for _, e := range ks.entries {
		if e.Algorithm == algorithm && bytes.Equal(e.Wire, wire) {
			return true
		}
	}
	return false
}
