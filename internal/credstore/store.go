// Package credstore persists the session token and the cached user profile.
//
// Two keys are stored, each read and written as a whole value:
//
//	token               opaque session token
//	userAdditionalInfo  JSON-encoded model.UserProfile
//
// Backends (memory, file, sqlite) only move strings around; Store does the
// encoding and maps backend failures onto autherr.KindStorage. A missing
// key is reported as ErrNotFound, never as a storage error.
package credstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/model"
)

const (
	KeyToken   = "token"
	KeyProfile = "userAdditionalInfo"
)

var ErrNotFound = errors.New("credential not found")

type backend interface {
	get(ctx context.Context, key string) (string, error)
	put(ctx context.Context, key, value string) error
	// delete removes all keys in one atomic step. Missing keys are not an error.
	delete(ctx context.Context, keys ...string) error
	close() error
}

type Store struct {
	b backend
}

func newStore(b backend) *Store {
	return &Store{b: b}
}

func (s *Store) Token(ctx context.Context) (model.SessionToken, error) {
	v, err := s.b.get(ctx, KeyToken)
	if err != nil {
		return "", wrapRead("get token", err)
	}
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *Store) SetToken(ctx context.Context, token model.SessionToken) error {
	if token == "" {
		return autherr.New(autherr.KindStorage, "set token", "refusing to store an empty token")
	}
	if err := s.b.put(ctx, KeyToken, token); err != nil {
		return autherr.Wrap(autherr.KindStorage, "set token", err)
	}
	return nil
}

func (s *Store) ClearToken(ctx context.Context) error {
	if err := s.b.delete(ctx, KeyToken); err != nil {
		return autherr.Wrap(autherr.KindStorage, "clear token", err)
	}
	return nil
}

func (s *Store) Profile(ctx context.Context) (*model.UserProfile, error) {
	v, err := s.b.get(ctx, KeyProfile)
	if err != nil {
		return nil, wrapRead("get profile", err)
	}

	profile := new(model.UserProfile)
	if err := json.Unmarshal([]byte(v), profile); err != nil {
		return nil, autherr.Wrapf(autherr.KindStorage, "get profile", err, "stored profile is corrupt")
	}
	return profile, nil
}

func (s *Store) SetProfile(ctx context.Context, profile *model.UserProfile) error {
	if profile == nil {
		return autherr.New(autherr.KindStorage, "set profile", "refusing to store a nil profile")
	}
	buff, err := json.Marshal(profile)
	if err != nil {
		return autherr.Wrap(autherr.KindStorage, "set profile", err)
	}
	if err := s.b.put(ctx, KeyProfile, string(buff)); err != nil {
		return autherr.Wrap(autherr.KindStorage, "set profile", err)
	}
	return nil
}

func (s *Store) ClearProfile(ctx context.Context) error {
	if err := s.b.delete(ctx, KeyProfile); err != nil {
		return autherr.Wrap(autherr.KindStorage, "clear profile", err)
	}
	return nil
}

// Clear removes the token and the profile together.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.b.delete(ctx, KeyToken, KeyProfile); err != nil {
		return autherr.Wrap(autherr.KindStorage, "clear credentials", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.b.close()
}

func wrapRead(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	return autherr.Wrap(autherr.KindStorage, op, err)
}
