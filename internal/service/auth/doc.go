// Package auth validates the HTTP Basic credentials an operator presents
// when publishing a newsletter issue.
//
// Stored passwords are argon2id hashes in PHC string form. Validation
// takes about the same time whether or not the username exists: unknown
// usernames are checked against a placeholder hash computed with the
// same parameters.
//
// The service depends on the CredentialRepository interface defined in
// repository.go and never imports database/sql directly.
package auth
