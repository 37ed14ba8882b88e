// Package auth provides authentication and authorisation for the hub.
//
// It implements a two-role model (Administrator, Client) with:
//   - Argon2id password hashing in PHC string format
//   - Access keys issued as HS256 JWTs whose ids are stored so they can be revoked
//   - Account lockout after repeated failed logins
//   - Static role-permission mapping (compile-time, no database lookup)
//
// The Authenticator resolves Basic login/password and Bearer access key
// credentials to a User. Transports call it; they never read the stores directly.
package auth
