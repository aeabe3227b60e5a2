package users

import (
	"strings"
	"time"
)

// User is a tenant-scoped directory entry used to address notifications.
type User struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the user directory.
func (User) TableName() string {
	return "users"
}

// Name returns the display name, falling back to the email address.
func (u User) Name() string {
	if name := normalize(u.DisplayName); name != "" {
		return name
	}
	return normalize(u.Email)
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

// CanonicalID strips a provider prefix ("google:12345" → "12345").
func CanonicalID(raw string) string {
	trimmed := normalize(raw)
	if provider, subject, found := strings.Cut(trimmed, ":"); found && normalize(provider) != "" && normalize(subject) != "" {
		return normalize(subject)
	}
	return trimmed
}
