package models

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/microsoft/wsla/internal/db"
)

const (
	settingCacheTTL = 60 * time.Second

	// KeyTokenSecret holds the HS256 signing secret for control tokens.
	KeyTokenSecret = "tokenSecret"
)

type SettingStore struct {
	db    *bolt.DB
	mu    sync.RWMutex
	cache map[string]settingEntry
}

type settingEntry struct {
	value   string
	expires time.Time
}

func NewSettingStore(database *bolt.DB) *SettingStore {
	return &SettingStore{
		db:    database,
		cache: make(map[string]settingEntry),
	}
}

// Get returns a setting value, or "" if unset.
func (s *SettingStore) Get(key string) (string, error) {
	s.mu.RLock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expires) {
		s.mu.RUnlock()
		return entry.value, nil
	}
	s.mu.RUnlock()

	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(db.BucketSettings).Get([]byte(key)); v != nil {
			val = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("get setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = settingEntry{value: val, expires: time.Now().Add(settingCacheTTL)}
	s.mu.Unlock()
	return val, nil
}

func (s *SettingStore) Set(key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketSettings).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = settingEntry{value: value, expires: time.Now().Add(settingCacheTTL)}
	s.mu.Unlock()
	return nil
}

// EnsureTokenSecret returns the token signing secret, creating it on first
// use as the bcrypt hash of a random string.
func (s *SettingStore) EnsureTokenSecret() (string, error) {
	secret, err := s.Get(KeyTokenSecret)
	if err != nil {
		return "", err
	}
	if secret != "" {
		return secret, nil
	}

	raw, err := GenSecret(secretLength)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}

	secret = string(hash)
	if err := s.Set(KeyTokenSecret, secret); err != nil {
		return "", err
	}
	slog.Info("generated new token secret")
	return secret, nil
}
