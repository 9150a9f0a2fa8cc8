package devbackend

import (
	"sync"

	"github.com/google/uuid"

	"github.com/lachlan2k/busline/internal/model"
)

// userRegistry remembers who has signed in since the server started.
// Nothing survives a restart; a token for an unknown user is rejected.
type userRegistry struct {
	mu        sync.Mutex
	bySubject map[string]*model.UserProfile
	byID      map[string]*model.UserProfile
}

func newUserRegistry() *userRegistry {
	return &userRegistry{
		bySubject: map[string]*model.UserProfile{},
		byID:      map[string]*model.UserProfile{},
	}
}

// upsert returns the user for subject, creating them on first sign-in.
// Name and email are refreshed from the latest id_token.
func (r *userRegistry) upsert(subject, email, name, orgID string) *model.UserProfile {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.bySubject[subject]
	if !ok {
		user = &model.UserProfile{
			ID:             uuid.NewString(),
			OrganizationID: orgID,
		}
		r.bySubject[subject] = user
		r.byID[user.ID] = user
	}
	user.Email = email
	user.Name = name
	return user.Clone()
}

func (r *userRegistry) get(id string) (*model.UserProfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return user.Clone(), true
}
