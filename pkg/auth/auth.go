// Package auth stores provider credentials for a node: a version-stamped
// JSON file with restrictive permissions, refresh-on-expiry through a
// capability, and environment fallback.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flock/pkg/logx"
)

// storeVersion is the on-disk format version. A mismatch resets the file:
// stale credential formats are dropped rather than misread.
const storeVersion = 1

// ErrNoCredential is returned when neither the store nor the environment
// has a usable credential.
var ErrNoCredential = errors.New("no credential available")

// Credential is one provider's stored secret material.
type Credential struct {
	Access  string     `json:"access"`
	Refresh string     `json:"refresh,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`
}

// Expired reports whether the credential has an expiry in the past.
func (c Credential) Expired(now time.Time) bool {
	return c.Expires != nil && now.After(*c.Expires)
}

// Refresher exchanges an expired credential for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, providerID string, cred Credential) (Credential, error)
}

type fileFormat struct {
	Version     int                   `json:"version"`
	Credentials map[string]Credential `json:"credentials"`
}

// Store is the file-backed credential store.
type Store struct {
	path   string
	logger *logx.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewStore returns a store over the JSON file at path.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: logx.NewLogger("auth"),
		now:    time.Now,
	}
}

// Get returns the stored credential for providerID.
func (s *Store) Get(providerID string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return Credential{}, false, err
	}
	cred, ok := creds[providerID]
	return cred, ok, nil
}

// Put stores the credential for providerID, creating the file 0600 under
// a 0700 directory.
func (s *Store) Put(providerID string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}
	creds[providerID] = cred
	return s.save(creds)
}

// Delete removes the credential for providerID. Missing entries are fine.
func (s *Store) Delete(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	creds, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := creds[providerID]; !ok {
		return nil
	}
	delete(creds, providerID)
	return s.save(creds)
}

// Token resolves an access token for providerID: stored credential first
// (refreshed through refresher when expired), then the envVar fallback.
func (s *Store) Token(ctx context.Context, providerID, envVar string, refresher Refresher) (string, error) {
	cred, ok, err := s.Get(providerID)
	if err != nil {
		return "", err
	}
	if ok {
		if !cred.Expired(s.now()) {
			return cred.Access, nil
		}
		if cred.Refresh != "" && refresher != nil {
			fresh, err := refresher.Refresh(ctx, providerID, cred)
			if err == nil {
				if putErr := s.Put(providerID, fresh); putErr != nil {
					return "", putErr
				}
				return fresh.Access, nil
			}
			s.logger.Warn("Refresh for %s failed, falling back to environment: %v", providerID, err)
		}
	}

	if envVar != "" {
		if token := os.Getenv(envVar); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("provider %s: %w", providerID, ErrNoCredential)
}

// load reads the credential file. Missing files and version mismatches
// both yield an empty map; the next save rewrites the file.
func (s *Store) load() (map[string]Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]Credential), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}

	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("Credential store at %s is corrupt, resetting", s.path)
		return make(map[string]Credential), nil
	}
	if file.Version != storeVersion {
		s.logger.Warn("Credential store version %d != %d, resetting", file.Version, storeVersion)
		return make(map[string]Credential), nil
	}
	if file.Credentials == nil {
		return make(map[string]Credential), nil
	}
	return file.Credentials, nil
}

func (s *Store) save(creds map[string]Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	data, err := json.MarshalIndent(fileFormat{Version: storeVersion, Credentials: creds}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}
