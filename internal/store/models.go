package store

import "time"

// User is an account record. The username doubles as the actor identity
// the permission gate sees; it is unique across the instance.
type User struct {
	ID                    string
	Username              string
	Email                 string
	PasswordHash          string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
