// Package memory is an in-process multiauth.CredentialStore. State is lost
// on restart; use it for local development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/MrEthical07/multiauth"
	"github.com/google/uuid"
)

type record struct {
	identity multiauth.UserIdentity
	backup   [][32]byte
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*record
	byEmail map[string]string
}

func New() *Store {
	return &Store{
		byID:    make(map[string]*record),
		byEmail: make(map[string]string),
	}
}

func (s *Store) GetByEmail(_ context.Context, email string) (*multiauth.UserIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[multiauth.NormalizeEmail(email)]
	if !ok {
		return nil, multiauth.ErrIdentityNotFound
	}
	return s.snapshot(id), nil
}

func (s *Store) GetByID(_ context.Context, userID string) (*multiauth.UserIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.byID[userID]; !ok {
		return nil, multiauth.ErrIdentityNotFound
	}
	return s.snapshot(userID), nil
}

func (s *Store) snapshot(id string) *multiauth.UserIdentity {
	rec := s.byID[id]
	out := rec.identity
	out.BackupCodesRemaining = len(rec.backup)
	return &out
}

func (s *Store) Create(_ context.Context, in multiauth.CreateIdentityInput) (*multiauth.UserIdentity, error) {
	email := multiauth.NormalizeEmail(in.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return nil, multiauth.ErrIdentityExists
	}
	id := uuid.NewString()
	s.byID[id] = &record{identity: multiauth.UserIdentity{
		ID:            id,
		Email:         email,
		PasswordHash:  in.PasswordHash,
		EmailVerified: in.EmailVerified,
	}}
	s.byEmail[email] = id
	return s.snapshot(id), nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, userID, passwordHash string) error {
	return s.update(userID, func(u *multiauth.UserIdentity) { u.PasswordHash = passwordHash })
}

func (s *Store) SetSuperSecure(_ context.Context, userID string, enabled bool) error {
	return s.update(userID, func(u *multiauth.UserIdentity) { u.SuperSecure = enabled })
}

func (s *Store) ReplaceBackupCodes(_ context.Context, userID string, hashes [][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[userID]
	if !ok {
		return multiauth.ErrIdentityNotFound
	}
	rec.backup = append([][32]byte(nil), hashes...)
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, userID string, hash [32]byte) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[userID]
	if !ok {
		return 0, false, multiauth.ErrIdentityNotFound
	}
	for i, h := range rec.backup {
		if h == hash {
			rec.backup = append(rec.backup[:i:i], rec.backup[i+1:]...)
			return len(rec.backup), true, nil
		}
	}
	return len(rec.backup), false, nil
}

// Put inserts or replaces an identity as-is. BackupCodesRemaining is
// ignored; backup codes are managed through ReplaceBackupCodes.
func (s *Store) Put(identity multiauth.UserIdentity) {
	identity.Email = multiauth.NormalizeEmail(identity.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byID[identity.ID]; ok {
		delete(s.byEmail, prev.identity.Email)
		prev.identity = identity
	} else {
		s.byID[identity.ID] = &record{identity: identity}
	}
	s.byEmail[identity.Email] = identity.ID
}

// Update applies fn to the stored identity. It is the hook admin tooling
// uses to ban users or change factor enrolment.
func (s *Store) Update(userID string, fn func(*multiauth.UserIdentity)) error {
	return s.update(userID, fn)
}

func (s *Store) update(userID string, fn func(*multiauth.UserIdentity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[userID]
	if !ok {
		return multiauth.ErrIdentityNotFound
	}
	oldEmail := rec.identity.Email
	fn(&rec.identity)
	rec.identity.ID = userID
	rec.identity.Email = multiauth.NormalizeEmail(rec.identity.Email)
	if rec.identity.Email != oldEmail {
		delete(s.byEmail, oldEmail)
		s.byEmail[rec.identity.Email] = userID
	}
	return nil
}

var _ multiauth.CredentialStore = (*Store)(nil)
