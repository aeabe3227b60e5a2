package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidUser indicates the entry did not contain a usable identifier.
var ErrInvalidUser = errors.New("users: invalid user")

// ServiceConfig describes the dependencies required for the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service reads and maintains the user directory of one tenant.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Upsert creates or refreshes a directory entry.
func (s *Service) Upsert(ctx context.Context, user User) error {
	user.UserID = CanonicalID(user.UserID)
	if user.UserID == "" {
		return ErrInvalidUser
	}
	user.Email = normalize(user.Email)
	user.DisplayName = normalize(user.DisplayName)
	user.AvatarURL = normalize(user.AvatarURL)
	user.UpdatedAt = s.now()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_email", "user_display_name", "user_avatar_url", "updated_at"}),
		}).
		Create(&user).Error
	if err != nil {
		return err
	}
	s.cache.Store(user.UserID, user)
	return nil
}

// Lookup returns the users with the given ids in request order. Unknown ids
// are skipped.
func (s *Service) Lookup(ctx context.Context, ids []string) ([]User, error) {
	found := make(map[string]User, len(ids))
	missing := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := CanonicalID(raw)
		if id == "" {
			continue
		}
		if cached, ok := s.cache.Load(id); ok {
			if user, ok := cached.(User); ok {
				found[id] = user
				continue
			}
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		var loaded []User
		if err := s.db.WithContext(ctx).Where("user_id IN ?", missing).Find(&loaded).Error; err != nil {
			return nil, err
		}
		for _, user := range loaded {
			found[user.UserID] = user
			s.cache.Store(user.UserID, user)
		}
	}

	result := make([]User, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, raw := range ids {
		id := CanonicalID(raw)
		user, ok := found[id]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, user)
	}
	return result, nil
}
