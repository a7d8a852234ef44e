// Package session models the authenticated console identity and its
// persisted snapshot.
package session

import (
	"crypto/md5"
	"encoding/hex"
)

// credentialPrefixLength bounds how much of the operator secret feeds
// the digest; the console ignores everything past the first 16
// characters.
const credentialPrefixLength = 16

// Session is the mutable authenticated state for one console account.
// Only the login machine and the broadcast safeguard mutate it; callers
// must not write to it concurrently.
type Session struct {
	// Identity is the account identifier. Immutable once constructed.
	Identity string `json:"identity"`

	// CredentialDigest is the one-way hash of the operator secret. It
	// is computed once at construction and never persisted.
	CredentialDigest string `json:"-"`

	// Token is the server-issued session token, absent until a login
	// finalizes.
	Token string `json:"token,omitempty"`

	// Ticket, IdentityTag and OperationSeq are scraped from the
	// post-login landing page and feed privileged operations.
	Ticket       string `json:"ticket,omitempty"`
	IdentityTag  string `json:"identity_tag,omitempty"`
	OperationSeq string `json:"operation_seq,omitempty"`

	// ProtectedBroadcast marks accounts whose mass sends require the
	// extra human-confirmed authorization handshake.
	ProtectedBroadcast bool `json:"protected_broadcast,omitempty"`

	// Authenticated is derived, never persisted: a restored snapshot
	// must re-prove liveness through the validity probe.
	Authenticated bool `json:"-"`
}

// New constructs an unauthenticated session for identity, digesting the
// secret immediately so the raw value never outlives this call.
func New(identity string, secret string) *Session {
	return &Session{
		Identity:         identity,
		CredentialDigest: Digest(secret),
	}
}

// Digest returns the hex MD5 of at most the first 16 characters of the
// secret. This is the console's password encoding, not a choice.
func Digest(secret string) string {
	runes := []rune(secret)
	if len(runes) > credentialPrefixLength {
		runes = runes[:credentialPrefixLength]
	}
	sum := md5.Sum([]byte(string(runes)))
	return hex.EncodeToString(sum[:])
}

// Restore copies the persisted snapshot fields of other into s, leaving
// identity, digest and the authenticated flag untouched.
func (s *Session) Restore(other *Session) {
	if other == nil {
		return
	}
	s.Token = other.Token
	s.Ticket = other.Ticket
	s.IdentityTag = other.IdentityTag
	s.OperationSeq = other.OperationSeq
	s.ProtectedBroadcast = other.ProtectedBroadcast
}
