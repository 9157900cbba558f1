package domain

// UserID identifies an operator allowed to publish newsletter issues.
type UserID string

// Credential is a stored operator login. PasswordHash is a PHC-formatted
// argon2id digest that embeds its own parameters and salt.
type Credential struct {
	UserID       UserID `json:"user_id" db:"user_id"`
	Username     string `json:"username" db:"username"`
	PasswordHash string `json:"-" db:"password_hash"`
}
