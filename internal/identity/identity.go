// Package identity models the caller of a financial operation.
//
// Every mutation in the system is performed either by an authenticated
// user or by the background scheduler (auto-release and expiry sweeps).
// Authorization logic switches on the actor kind rather than comparing
// user IDs against a reserved sentinel value.
package identity

// Kind discriminates actor variants.
type Kind int

const (
	// KindUser is an authenticated marketplace user.
	KindUser Kind = iota
	// KindScheduler is the internal background scheduler.
	KindScheduler
)

// Actor identifies who is performing an operation.
type Actor struct {
	kind   Kind
	userID string
}

// User returns an actor for an authenticated user.
func User(id string) Actor {
	return Actor{kind: KindUser, userID: id}
}

// Scheduler returns the internal system actor used by background sweeps.
func Scheduler() Actor {
	return Actor{kind: KindScheduler}
}

// IsScheduler reports whether the actor is the background scheduler.
func (a Actor) IsScheduler() bool {
	return a.kind == KindScheduler
}

// UserID returns the user ID, or "" for the scheduler.
func (a Actor) UserID() string {
	return a.userID
}

// Is reports whether the actor is the given user.
func (a Actor) Is(userID string) bool {
	return a.kind == KindUser && a.userID == userID
}

// String implements fmt.Stringer for log output.
func (a Actor) String() string {
	if a.kind == KindScheduler {
		return "system:scheduler"
	}
	return "user:" + a.userID
}
