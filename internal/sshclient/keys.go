package sshclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const keyFileName = "id_ed25519"

var (
	ErrKeyExists = errors.New("ssh key already exists")
	ErrNoKey     = errors.New("no ssh key generated")
)

// KeyStore is the client identity ptermbridge manages itself: one ed25519
// key pair in OpenSSH format under Dir.
type KeyStore struct {
	Dir string
}

func (k KeyStore) PrivatePath() string { return filepath.Join(k.Dir, keyFileName) }
func (k KeyStore) PublicPath() string  { return k.PrivatePath() + ".pub" }

// Has reports whether both halves of the key pair are present.
func (k KeyStore) Has() bool {
	for _, p := range []string{k.PrivatePath(), k.PublicPath()} {
		if st, err := os.Stat(p); err != nil || !st.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// Generate creates a new key pair and returns its authorized_keys line.
// An existing pair is only replaced when overwrite is set.
func (k KeyStore) Generate(comment string, overwrite bool) (string, error) {
	if k.Has() && !overwrite {
		return "", fmt.Errorf("%w: %s", ErrKeyExists, k.PrivatePath())
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", fmt.Errorf("encode private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	line := authorizedLine(sshPub, comment)

	if err := os.MkdirAll(k.Dir, 0o700); err != nil {
		return "", err
	}
	if err := writeFileAtomic(k.PrivatePath(), pem.EncodeToMemory(block), 0o600); err != nil {
		return "", err
	}
	if err := writeFileAtomic(k.PublicPath(), []byte(line+"\n"), 0o644); err != nil {
		return "", err
	}
	return line, nil
}

// PublicKey returns the authorized_keys line to install on hosts.
func (k KeyStore) PublicKey() (string, error) {
	b, err := os.ReadFile(k.PublicPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", err
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey(b); err != nil {
		return "", fmt.Errorf("parse %s: %w", k.PublicPath(), err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Signer loads the private half for public key auth.
func (k KeyStore) Signer() (ssh.Signer, error) {
	b, err := os.ReadFile(k.PrivatePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(b)
}

// Delete removes the key pair. Deleting a missing pair is not an error.
func (k KeyStore) Delete() error {
	var errs []error
	for _, p := range []string{k.PrivatePath(), k.PublicPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func authorizedLine(key ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if comment != "" {
		line += " " + comment
	}
	return line
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
