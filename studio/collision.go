package studio

import (
	"context"
	"sort"
)

// =============================================================================
// COLLISION GUARD - No double-booking of a resource or an instructor
// =============================================================================

// CollisionQuery describes a candidate session. An empty ResourceID or
// InstructorID disables that dimension. Exclude skips the session being
// rescheduled.
type CollisionQuery struct {
	ResourceID   ResourceID
	InstructorID InstructorID
	Interval     Interval
	Exclude      *SessionRef
}

// DetectCollision is the pure half of the guard. It returns the conflict
// with the earliest-starting existing session, or nil.
func DetectCollision(existing []SessionSlot, q CollisionQuery) *ConflictError {
	var hits []SessionSlot
	for _, s := range existing {
		if q.Exclude != nil && s.Ref == *q.Exclude {
			continue
		}
		if !s.Interval.Overlaps(q.Interval) {
			continue
		}
		if sharesResource(s, q) || sharesInstructor(s, q) {
			hits = append(hits, s)
		}
	}
	if len(hits) == 0 {
		return nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if !hits[i].Interval.Start.Equal(hits[j].Interval.Start) {
			return hits[i].Interval.Start.Before(hits[j].Interval.Start)
		}
		return hits[i].Ref.String() < hits[j].Ref.String()
	})

	first := hits[0]
	var dims []string
	if sharesResource(first, q) {
		dims = append(dims, "resource")
	}
	if sharesInstructor(first, q) {
		dims = append(dims, "instructor")
	}
	return &ConflictError{With: first.Ref, Dimensions: dims, Existing: first.Interval}
}

func sharesResource(s SessionSlot, q CollisionQuery) bool {
	return q.ResourceID != "" && s.ResourceID == q.ResourceID
}

func sharesInstructor(s SessionSlot, q CollisionQuery) bool {
	return q.InstructorID != "" && s.InstructorID == q.InstructorID
}

// CollisionGuard loads the candidate's neighbours and runs DetectCollision.
// It has no side effects; callers run it inside the transaction that
// performs the insert.
type CollisionGuard struct {
	Sessions SessionFinder
}

// Check returns nil or a *ConflictError.
func (g CollisionGuard) Check(ctx context.Context, q CollisionQuery) error {
	if !q.Interval.Valid() {
		return ErrInvalidInterval
	}
	existing, err := g.Sessions.ActiveSessionsOverlapping(ctx, q.ResourceID, q.InstructorID, q.Interval)
	if err != nil {
		return err
	}
	if c := DetectCollision(existing, q); c != nil {
		return c
	}
	return nil
}

// slotLockKeys returns the lock keys guarding a (resource, instructor) pair.
// Sorted so concurrent callers acquire them in the same order.
func slotLockKeys(resource ResourceID, instructor InstructorID) []string {
	var keys []string
	if resource != "" {
		keys = append(keys, "resource:"+string(resource))
	}
	if instructor != "" {
		keys = append(keys, "instructor:"+string(instructor))
	}
	sort.Strings(keys)
	return keys
}
