package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/followlytics/followlytics/internal/followlytics"
)

// UserStore keeps account records in a map.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]followlytics.User
}

// NewUserStore constructs a UserStore.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]followlytics.User)}
}

// GetUser fetches a user by UID.
func (s *UserStore) GetUser(_ context.Context, uid string) (followlytics.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[uid]
	if !ok {
		return followlytics.User{}, fmt.Errorf("user %s: %w", uid, followlytics.ErrNotFound)
	}
	return cloneUser(user), nil
}

// CreateUser stores a new user.
func (s *UserStore) CreateUser(_ context.Context, user followlytics.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.UID]; exists {
		return fmt.Errorf("user %s: %w", user.UID, followlytics.ErrAlreadyExists)
	}
	s.users[user.UID] = cloneUser(user)
	return nil
}

// UpdateTier sets the subscription fields. Empty ids keep their old values.
func (s *UserStore) UpdateTier(
	_ context.Context,
	uid string,
	tier followlytics.Tier,
	customerID, subscriptionID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[uid]
	if !ok {
		return fmt.Errorf("user %s: %w", uid, followlytics.ErrNotFound)
	}
	user.Tier = tier
	if customerID != "" {
		user.StripeCustomerID = customerID
	}
	if subscriptionID != "" {
		user.StripeSubscriptionID = subscriptionID
	}
	user.UpdatedAt = time.Now().UTC()
	s.users[uid] = user
	return nil
}

// FindByCustomer looks a user up by Stripe customer id.
func (s *UserStore) FindByCustomer(_ context.Context, customerID string) (followlytics.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if customerID != "" && user.StripeCustomerID == customerID {
			return cloneUser(user), nil
		}
	}
	return followlytics.User{}, fmt.Errorf("customer %s: %w", customerID, followlytics.ErrNotFound)
}

// ReserveUsage adds one to the usage counter named key while it is below limit.
func (s *UserStore) ReserveUsage(_ context.Context, uid string, key string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[uid]
	if !ok {
		return fmt.Errorf("user %s: %w", uid, followlytics.ErrNotFound)
	}
	if limit > 0 && user.Usage[key] >= limit {
		return fmt.Errorf("%w: %d of %d used", followlytics.ErrQuotaExceeded, user.Usage[key], limit)
	}
	if user.Usage == nil {
		user.Usage = make(map[string]int)
	}
	user.Usage[key]++
	s.users[uid] = user
	return nil
}

func cloneUser(u followlytics.User) followlytics.User {
	u.Usage = maps.Clone(u.Usage)
	return u
}
