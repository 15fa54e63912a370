// Package auth authenticates marketplace parties to the settlement API.
//
// Identity is a wallet address. A party enrolls by signing a challenge
// message with their wallet key, proving control of the address, and
// receives an API key bound to it. Requests then carry the key; admin
// endpoints use a separate shared secret.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"

	"github.com/taskbazaar/settlement/pkg/x402"
)

var (
	ErrNoAPIKey         = errors.New("API key required")
	ErrInvalidAPIKey    = errors.New("invalid or expired API key")
	ErrInvalidSignature = errors.New("signature does not match wallet")
	ErrKeyNotFound      = errors.New("API key not found")
)

// APIKey binds an issued key to a wallet address.
type APIKey struct {
	ID         string     `json:"id"`
	Hash       string     `json:"-"` // SHA256 of the raw key
	WalletAddr string     `json:"walletAddr"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByWallet(ctx context.Context, addr string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues and validates API keys.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// EnrollmentMessage is the text a wallet signs to claim a key. The nonce is
// chosen by the client; the signature only ever grants access to the signing
// wallet's own resources.
func EnrollmentMessage(walletAddr, nonce string) string {
	return fmt.Sprintf("taskbazaar settlement key enrollment\nwallet: %s\nnonce: %s",
		strings.ToLower(walletAddr), nonce)
}

// Enroll verifies a personal signature over the enrollment message and, on
// success, issues an API key for the wallet. Returns the raw key (shown
// once) and the stored metadata.
func (m *Manager) Enroll(ctx context.Context, walletAddr, name, nonce string, sig []byte) (string, *APIKey, error) {
	digest := accounts.TextHash([]byte(EnrollmentMessage(walletAddr, nonce)))
	signer, err := x402.RecoverSigner(common.BytesToHash(digest), sig)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !strings.EqualFold(signer, walletAddr) {
		return "", nil, ErrInvalidSignature
	}
	return m.GenerateKey(ctx, walletAddr, name)
}

// GenerateKey creates a new API key for a wallet.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, walletAddr, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:         "ak_" + hex.EncodeToString(b[:8]),
		Hash:       hashKey(rawKey),
		WalletAddr: strings.ToLower(walletAddr),
		Name:       name,
		CreatedAt:  time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns its metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for a wallet.
func (m *Manager) ListKeys(ctx context.Context, walletAddr string) ([]*APIKey, error) {
	return m.store.GetByWallet(ctx, strings.ToLower(walletAddr))
}

// RevokeKey revokes an API key belonging to the wallet.
func (m *Manager) RevokeKey(ctx context.Context, keyID, walletAddr string) error {
	keys, err := m.store.GetByWallet(ctx, walletAddr)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByWallet(ctx context.Context, addr string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if strings.EqualFold(k.WalletAddr, addr) {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
