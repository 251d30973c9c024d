// Package credentials provides secure storage for the triage CLI's API
// token. The token is encrypted at rest with AES-256-GCM; the encryption
// key lives in the system keyring, or in an environment variable for CI.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential storage constants.
const (
	DefaultCredentialsDir  = ".penf-triage"
	DefaultCredentialsFile = "credentials.yaml"
)

// Common errors.
var (
	// ErrNoCredentials is returned when no credentials are stored.
	ErrNoCredentials = errors.New("no credentials stored")
	// ErrExpiredToken is returned when the stored token has expired.
	ErrExpiredToken = errors.New("stored token has expired")
	// ErrEncryptionFailed is returned when encryption or decryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
)

// Credentials holds the stored authentication credentials.
type Credentials struct {
	// Token is the API bearer token (encrypted at rest).
	Token string `yaml:"token"`
	// ServerURL is the server this credential is for.
	ServerURL string `yaml:"server_url,omitempty"`
	// Subject is the authenticated user identifier.
	Subject string `yaml:"subject,omitempty"`
	// ExpiresAt is the token expiration time; zero means no expiry.
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
	// LastUpdated is when the credentials were last written.
	LastUpdated time.Time `yaml:"last_updated"`
}

// Store manages credential storage operations.
type Store struct {
	credentialsDir string
	encryptionKey  []byte
	keyProvider    KeyProvider
}

// NewStore creates a credential store using the default key provider.
func NewStore() (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}

	keyProvider, err := GetDefaultKeyProvider()
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	key, err := keyProvider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}

	return &Store{
		credentialsDir: dir,
		encryptionKey:  key,
		keyProvider:    keyProvider,
	}, nil
}

// NewStoreWithProvider creates a credential store with a specific key
// provider and directory, for tests.
func NewStoreWithProvider(dir string, provider KeyProvider) (*Store, error) {
	key, err := provider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{
		credentialsDir: dir,
		encryptionKey:  key,
		keyProvider:    provider,
	}, nil
}

// CredentialsDir returns the credentials directory path. Uses
// $PENF_TRIAGE_CONFIG_DIR if set, otherwise ~/.penf-triage.
func CredentialsDir() (string, error) {
	if dir := os.Getenv("PENF_TRIAGE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultCredentialsDir), nil
}

// KeyDescription returns where the encryption key is stored.
func (s *Store) KeyDescription() string {
	return s.keyProvider.Description()
}

// Save encrypts and writes the credentials.
func (s *Store) Save(creds *Credentials) error {
	if creds == nil || strings.TrimSpace(creds.Token) == "" {
		return errors.New("token is required")
	}

	encrypted, err := s.encrypt(creds.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	onDisk := *creds
	onDisk.Token = encrypted
	onDisk.LastUpdated = time.Now().UTC()

	data, err := yaml.Marshal(&onDisk)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	if err := os.MkdirAll(s.credentialsDir, 0700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	path := filepath.Join(s.credentialsDir, DefaultCredentialsFile)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// Load reads and decrypts the stored credentials.
func (s *Store) Load() (*Credentials, error) {
	path := filepath.Join(s.credentialsDir, DefaultCredentialsFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	if creds.Token == "" {
		return nil, ErrNoCredentials
	}

	token, err := s.decrypt(creds.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	creds.Token = token

	if !creds.ExpiresAt.IsZero() && time.Now().After(creds.ExpiresAt) {
		return &creds, ErrExpiredToken
	}
	return &creds, nil
}

// Clear removes the stored credentials.
func (s *Store) Clear() error {
	path := filepath.Join(s.credentialsDir, DefaultCredentialsFile)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	return nil
}

// encrypt seals plaintext with AES-256-GCM, returning base64.
func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt opens a base64 AES-256-GCM ciphertext.
func (s *Store) decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
