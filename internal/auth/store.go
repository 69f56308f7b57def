// Package auth stores backend credentials and obtains human verification
// tokens.
package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/replink/internal/metadata"
)

type credentialsFile struct {
	SessionCookie     string `yaml:"session_cookie,omitempty"`
	VerificationToken string `yaml:"verification_token,omitempty"`
}

// Store keeps credentials in a yaml file readable only by the owner. Writes
// replace the file atomically so watchers never see a partial write.
type Store struct {
	Path string

	mu sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{Path: path}
}

func (s *Store) load() (credentialsFile, error) {
	var f credentialsFile
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, fmt.Errorf("read credentials: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse credentials: %w", err)
	}
	return f, nil
}

func (s *Store) save(f credentialsFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

func (s *Store) update(fn func(*credentialsFile)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	fn(&f)
	return s.save(f)
}

// Credentials implements metadata.CredentialStore.
func (s *Store) Credentials() (metadata.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return metadata.Credentials{}, err
	}
	return metadata.Credentials{SessionCookie: f.SessionCookie, VerificationToken: f.VerificationToken}, nil
}

// SessionCookie returns the stored cookie, or "" when logged out.
func (s *Store) SessionCookie() (string, error) {
	creds, err := s.Credentials()
	return creds.SessionCookie, err
}

// ConsumeVerificationToken clears token if it is still the stored one. A
// newer token written meanwhile is left alone.
func (s *Store) ConsumeVerificationToken(token string) error {
	return s.update(func(f *credentialsFile) {
		if f.VerificationToken == token {
			f.VerificationToken = ""
		}
	})
}

func (s *Store) SetSessionCookie(cookie string) error {
	return s.update(func(f *credentialsFile) { f.SessionCookie = cookie })
}

func (s *Store) SetVerificationToken(token string) error {
	return s.update(func(f *credentialsFile) { f.VerificationToken = token })
}

// Delete forgets all credentials.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
