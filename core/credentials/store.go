// Package credentials stores the secrets the assistant needs (the
// logbook password and provider API keys) in an encrypted file under
// the credentials directory. The encryption key is derived from a
// machine salt file, so the store decrypts only on the machine that
// wrote it.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Well-known secret keys. Arbitrary keys are allowed; these are the
// ones the rest of the code reads.
const (
	KeyELOGPassword    = "elog.password"
	KeyOpenAIAPIKey    = "openai.api_key"
	KeyAnthropicAPIKey = "anthropic.api_key"
	KeyGeminiAPIKey    = "gemini.api_key"
)

// ErrNotFound is returned when a key has no stored secret.
var ErrNotFound = errors.New("credential not found")

// Store is the encrypted flat key-value secret store.
type Store struct {
	path string
	key  []byte
	mu   sync.RWMutex
}

type secretFile struct {
	Secrets map[string]string `json:"secrets"`
}

// Open prepares the store under dir, deriving the encryption key from
// the salt file (created on first use) and machine identity.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	key, err := deriveEncryptionKey(dir)
	if err != nil {
		return nil, err
	}

	return &Store{
		path: filepath.Join(dir, "credentials.enc"),
		key:  key,
	}, nil
}

// Get returns the secret stored under key.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.load()
	if err != nil {
		return "", err
	}
	secret, ok := data.Secrets[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return secret, nil
}

// Set stores a secret under key, overwriting any previous value.
func (s *Store) Set(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	data.Secrets[key] = secret
	return s.save(data)
}

// Delete removes the secret under key. Deleting a missing key reports
// ErrNotFound.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := data.Secrets[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(data.Secrets, key)
	return s.save(data)
}

// List returns the stored keys sorted, never the secrets.
func (s *Store) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.load()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(data.Secrets))
	for k := range data.Secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) load() (*secretFile, error) {
	encrypted, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &secretFile{Secrets: make(map[string]string)}, nil
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := s.decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	var data secretFile
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if data.Secrets == nil {
		data.Secrets = make(map[string]string)
	}
	return &data, nil
}

func (s *Store) save(data *secretFile) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return err
	}

	encrypted, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, encrypted, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// deriveEncryptionKey derives the AES-256 key with argon2id over the
// machine identity, salted by a per-store random salt file.
func deriveEncryptionKey(dir string) ([]byte, error) {
	salt, err := getOrCreateSalt(filepath.Join(dir, ".salt"))
	if err != nil {
		return nil, err
	}

	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME")
	}
	input := machineIdentifier() + username

	return argon2.IDKey([]byte(input), salt, 1, 64*1024, 4, 32), nil
}

func getOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == 32 {
		return salt, nil
	}

	salt = make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, err
	}
	return salt, nil
}

func machineIdentifier() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return string(data)
		}
	}

	hostname, _ := os.Hostname()
	combined := hostname + os.Getenv("HOME") + os.Getenv("USER")
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}
