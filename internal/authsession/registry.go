// Package authsession implements the chained-HMAC session registry
// behind the HTTP command endpoints. A session is minted by a
// PSK-authenticated, timestamped request and then proves itself on
// every call with an HMAC over a seed that ratchets forward one step
// per verification attempt, making each tag single-use.
package authsession

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// IDSize is the size of a session id in bytes.
	IDSize = 16

	// SeedSize is the size of a session seed in bytes.
	SeedSize = 64

	// TagSize is the size of an HMAC-SHA256 tag in bytes.
	TagSize = sha256.Size

	// MaxSessions is the number of sessions retained after a new one
	// is inserted; older ones are evicted oldest-first.
	MaxSessions = 9

	// SessionTTL is how long a session stays valid after creation.
	SessionTTL = 24 * time.Hour

	// MaxTimestampSkew bounds the clock difference accepted on a
	// new-session request.
	MaxTimestampSkew = 60 * time.Second
)

// Verification and new-session failures. The HTTP layer maps each to a
// stable error code.
var (
	ErrBadAuth           = errors.New("bad auth")
	ErrOutdatedTimestamp = errors.New("outdated timestamp")
	ErrBadTimestamp      = errors.New("bad timestamp")
	ErrBadSessionID      = errors.New("bad session id")
)

// SessionID identifies a session in the registry.
type SessionID [IDSize]byte

type session struct {
	createdAt time.Time
	seed      [SeedSize]byte
}

// Registry is the mutex-protected session store shared by all HTTP
// requests. lastTimestamp is strictly monotonic across accepted
// new-session requests, which is what defeats replay of a captured
// /session body.
type Registry struct {
	mu            sync.Mutex
	psk           [64]byte
	sessions      map[SessionID]*session
	lastTimestamp uint64

	// now is swappable for tests.
	now func() time.Time
}

// NewRegistry creates a registry keyed by the process PSK.
func NewRegistry(psk *[64]byte) *Registry {
	return &Registry{
		psk:      *psk,
		sessions: make(map[SessionID]*session),
		now:      time.Now,
	}
}

// NewSession validates a {timestamp, auth} pair and mints a session.
// timestamp is 8 bytes big-endian unix-ms; auth is
// HMAC-SHA256(PSK, timestamp).
func (r *Registry) NewSession(timestamp [8]byte, auth [TagSize]byte) (SessionID, [SeedSize]byte, error) {
	var id SessionID
	var seed [SeedSize]byte

	mac := hmac.New(sha256.New, r.psk[:])
	mac.Write(timestamp[:])
	if !hmac.Equal(mac.Sum(nil), auth[:]) {
		return id, seed, ErrBadAuth
	}
	reqTimestamp := binary.BigEndian.Uint64(timestamp[:])

	now := r.now()
	nowUnix := uint64(now.UnixMilli())

	r.mu.Lock()
	defer r.mu.Unlock()

	if reqTimestamp <= r.lastTimestamp {
		return id, seed, fmt.Errorf("%w: %d <= %d", ErrOutdatedTimestamp, reqTimestamp, r.lastTimestamp)
	}
	if absDiff(reqTimestamp, nowUnix) > uint64(MaxTimestampSkew.Milliseconds()) {
		return id, seed, fmt.Errorf("%w: %d (now %d)", ErrBadTimestamp, reqTimestamp, nowUnix)
	}

	r.evictLocked(now)
	r.lastTimestamp = nowUnix

	var material [IDSize + SeedSize]byte
	if _, err := rand.Read(material[:]); err != nil {
		panic(fmt.Sprintf("generating session material: %v", err))
	}
	copy(id[:], material[:IDSize])
	copy(seed[:], material[IDSize:])
	r.sessions[id] = &session{createdAt: now, seed: seed}

	return id, seed, nil
}

// Verify checks a session tag. The seed ratchets forward before the
// comparison and regardless of its outcome: a failed or lost attempt
// burns the seed state, so a client that missed a response must mint a
// new session. This also denies an attacker repeated probes against
// one seed value.
func (r *Registry) Verify(id SessionID, tag [TagSize]byte) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrBadSessionID
	}
	mac := hmac.New(sha256.New, r.psk[:])
	mac.Write(sess.seed[:])
	ratchetSeed(&sess.seed)
	r.mu.Unlock()

	if !hmac.Equal(mac.Sum(nil), tag[:]) {
		return ErrBadAuth
	}
	return nil
}

// Len reports how many sessions are currently stored.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// evictLocked drops expired sessions, then the oldest ones until the
// registry holds at most MaxSessions after the upcoming insert.
func (r *Registry) evictLocked(now time.Time) {
	oldest := now.Add(-SessionTTL)
	for id, sess := range r.sessions {
		if !sess.createdAt.After(oldest) {
			delete(r.sessions, id)
		}
	}
	for len(r.sessions) >= MaxSessions {
		var victim SessionID
		var victimAt time.Time
		first := true
		for id, sess := range r.sessions {
			if first || sess.createdAt.Before(victimAt) {
				victim, victimAt, first = id, sess.createdAt, false
			}
		}
		delete(r.sessions, victim)
	}
}

// ratchetSeed advances the seed as a 64-byte little-endian integer,
// carry propagated through the full width.
func ratchetSeed(seed *[SeedSize]byte) {
	c := uint16(1)
	for i := range seed {
		c += uint16(seed[i])
		seed[i] = byte(c)
		c >>= 8
	}
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
