package models

// Session is a transient, process-local snapshot of a signed-in account.
// It is never persisted; it can always be rebuilt from the token.
type Session struct {
	AccountID int64
	Email     string
	Token     string
}

// TokenPayload describes what a caller wants embedded in a session token.
// Exactly one of the following shapes is valid:
//   - Email plus EncryptedPassword (pass the blob through unchanged),
//   - Email plus Password (encrypted under the process secret first),
//   - JWT alone (forward a previously issued token unchanged).
type TokenPayload struct {
	AccountID         int64
	Email             string
	Password          string
	EncryptedPassword string
	JWT               string
}
