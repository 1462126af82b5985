package models

import (
	"time"
)

// User is a subject known to the local identity provider
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	MFAEnabled   bool
	Status       string // "active", "suspended", "disabled"
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
