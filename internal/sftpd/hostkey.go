package sftpd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// loadOrGenerateHostKey loads an existing SSH host key or generates and saves
// a new one if the file does not exist yet.
func loadOrGenerateHostKey(keyFile string) (ssh.Signer, error) {
	if keyFile == "" {
		return nil, errors.New("empty host key file path")
	}

	keyData, err := os.ReadFile(keyFile) // #nosec G304 -- operator-provided config path
	if err == nil {
		hostKey, perr := ssh.ParsePrivateKey(keyData)
		if perr == nil {
			lgr.Printf("[INFO] using existing SSH host key from %s", keyFile)
			return hostKey, nil
		}
		return nil, errors.Wrapf(perr, "parse host key %q", keyFile)
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read host key %q", keyFile)
	}

	lgr.Printf("[INFO] generating new SSH host key, saving to %s", keyFile)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generate RSA key")
	}
	keyData = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(keyFile, keyData, 0600); err != nil {
		lgr.Printf("[WARN] could not save SSH host key to %s: %v", keyFile, err)
	}
	hostKey, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, errors.Wrap(err, "parse generated host key")
	}
	return hostKey, nil
}
