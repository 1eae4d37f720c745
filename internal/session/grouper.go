// Package session groups recordings into time-bounded workout sessions.
package session

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeoutMinutes is the gap after which a new recording starts a new
// session when the owner has no configured override.
const DefaultTimeoutMinutes = 60

// Candidate is an active session eligible to absorb a new recording.
type Candidate struct {
	SessionID      string
	LastActivityAt time.Time
}

// Store captures the persistence operations the grouper needs. LockOwner
// serializes assignments per owner so two near-simultaneous uploads cannot
// both observe "no candidate" and create duplicate sessions.
type Store interface {
	// LockOwner blocks until the per-owner assignment lock is held and
	// returns the release func.
	LockOwner(ctx context.Context, ownerID string) (func(), error)
	// ActiveCandidates returns active sessions for the owner whose most
	// recent member timestamp is at or before capturedAt and within window
	// of it.
	ActiveCandidates(ctx context.Context, ownerID string, capturedAt time.Time, window time.Duration) ([]Candidate, error)
	// AppendRecording attaches the recording to the session, advances its
	// last-activity timestamp, and increments its count.
	AppendRecording(ctx context.Context, sessionID, recordingID string, capturedAt time.Time) error
	// CreateSession starts a new session seeded with the recording.
	CreateSession(ctx context.Context, ownerID, recordingID string, capturedAt time.Time) (string, error)
	// OwnerTimeoutMinutes returns the owner's configured session timeout,
	// or 0 when unset.
	OwnerTimeoutMinutes(ctx context.Context, ownerID string) (int, error)
}

// Assignment reports where a recording landed.
type Assignment struct {
	SessionID  string
	IsNew      bool
	GapMinutes float64
}

// Grouper assigns recordings to sessions.
type Grouper struct {
	store Store
}

// NewGrouper constructs a Grouper.
func NewGrouper(store Store) *Grouper {
	return &Grouper{store: store}
}

// Assign joins the recording to the nearest eligible session or creates a new
// one. timeoutMinutes <= 0 falls back to the owner's configured timeout and
// then the process default. Eligibility is measured against each session's
// most recent member timestamp, so membership stays monotonic in time.
func (g *Grouper) Assign(ctx context.Context, ownerID, recordingID string, capturedAt time.Time, timeoutMinutes int) (Assignment, error) {
	if timeoutMinutes <= 0 {
		configured, err := g.store.OwnerTimeoutMinutes(ctx, ownerID)
		if err != nil {
			return Assignment{}, fmt.Errorf("resolve owner timeout: %w", err)
		}
		timeoutMinutes = configured
	}
	if timeoutMinutes <= 0 {
		timeoutMinutes = DefaultTimeoutMinutes
	}
	window := time.Duration(timeoutMinutes) * time.Minute

	unlock, err := g.store.LockOwner(ctx, ownerID)
	if err != nil {
		return Assignment{}, fmt.Errorf("lock owner: %w", err)
	}
	defer unlock()

	candidates, err := g.store.ActiveCandidates(ctx, ownerID, capturedAt, window)
	if err != nil {
		return Assignment{}, fmt.Errorf("query session candidates: %w", err)
	}

	if best, ok := pickNearest(candidates, capturedAt, window); ok {
		if err := g.store.AppendRecording(ctx, best.SessionID, recordingID, capturedAt); err != nil {
			return Assignment{}, fmt.Errorf("append to session: %w", err)
		}
		return Assignment{
			SessionID:  best.SessionID,
			IsNew:      false,
			GapMinutes: capturedAt.Sub(best.LastActivityAt).Minutes(),
		}, nil
	}

	sessionID, err := g.store.CreateSession(ctx, ownerID, recordingID, capturedAt)
	if err != nil {
		return Assignment{}, fmt.Errorf("create session: %w", err)
	}
	return Assignment{SessionID: sessionID, IsNew: true}, nil
}

// pickNearest chooses the candidate with the smallest non-negative gap to
// capturedAt. Equal gaps break on session ID so the choice is deterministic
// regardless of query row order.
func pickNearest(candidates []Candidate, capturedAt time.Time, window time.Duration) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range candidates {
		gap := capturedAt.Sub(c.LastActivityAt)
		if gap < 0 || gap > window {
			continue
		}
		if !found {
			best = c
			found = true
			continue
		}
		bestGap := capturedAt.Sub(best.LastActivityAt)
		if gap < bestGap || (gap == bestGap && c.SessionID < best.SessionID) {
			best = c
		}
	}
	return best, found
}
