package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// CredentialPrefix marks every credential minted by this gateway.
const CredentialPrefix = "ga_"

// credentialRecord is what the store keeps per issued credential. The
// plaintext secret is never part of it.
type credentialRecord struct {
	UserID    string
	SessionID string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// CredentialStore holds issued API credentials keyed by their SHA-256 digest,
// plus a one-time pending-retrieval table keyed by session id. Plaintext
// exists only in the Issue return value and in the pending slot until its
// single read.
//
// This implementation is in-memory and suitable for single-instance
// deployments; issued credentials do not survive a restart.
type CredentialStore struct {
	mu       sync.Mutex
	byDigest map[string]credentialRecord
	pending  map[string]string
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		byDigest: make(map[string]credentialRecord),
		pending:  make(map[string]string),
	}
}

// DigestCredential returns the storage key for a credential: hex-encoded
// SHA-256 of the full plaintext.
func DigestCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Issue generates a fresh credential for userID, records its digest, parks
// the plaintext in the pending table under sessionID, and returns the
// plaintext. Issued credentials have no expiry.
func (s *CredentialStore) Issue(userID, sessionID string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("gateway: credential entropy unavailable: " + err.Error())
	}
	secret := CredentialPrefix + hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDigest[DigestCredential(secret)] = credentialRecord{
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	s.pending[sessionID] = secret
	return secret
}

// Validate reports whether credential is a live issued credential. The
// lookup goes through the digest, so near-miss plaintexts are never compared
// byte-by-byte.
func (s *CredentialStore) Validate(credential string) bool {
	digest := DigestCredential(credential)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byDigest[digest]
	if !ok {
		return false
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return false
	}
	return true
}

// RetrieveForSession atomically removes and returns the pending plaintext
// credential for a session id. Under concurrent calls exactly one caller
// gets the credential; everyone else sees ok=false, indistinguishable from
// "never issued".
func (s *CredentialStore) RetrieveForSession(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, ok := s.pending[sessionID]
	if !ok {
		return "", false
	}
	delete(s.pending, sessionID)
	return secret, true
}
