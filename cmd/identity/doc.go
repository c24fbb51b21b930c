// Package identity holds the account-side collaborators of the session subsystem:
// the user directory (users addressed by phone number) and the phone code verifier.
//
// Both are narrow interfaces. Verification of SMS codes is owned by an external
// service; StaticCodeVerifier exists for development and tests.
package identity
