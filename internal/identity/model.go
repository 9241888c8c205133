package identity

import "time"

// User is a wallet owner.
type User struct {
	ID           string
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Credentials request structure.
type Credentials struct {
	Login    string
	Password string
}
