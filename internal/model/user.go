package model

import "time"

// User represents an account that can sign in to the application.
//
// WHY IsAdmin AS A PLAIN FLAG?
// The app has exactly two roles: admins manage users and see every
// calculation, everyone else sees only their own. A boolean is the
// honest model for that; a roles table would be speculative plumbing.
//
// PasswordHash holds a bcrypt hash and is never serialised: the json
// tag "-" keeps it out of every API response no matter which handler
// encodes the struct.
type User struct {
	ID           string    `json:"id"        db:"id"`
	Username     string    `json:"username"  db:"username"`
	Email        string    `json:"email"     db:"email"` // may be empty
	PasswordHash string    `json:"-"         db:"password_hash"`
	IsAdmin      bool      `json:"isAdmin"   db:"is_admin"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}
