package consent

import "time"

// Snapshot is the explicit state object threaded through the gate and the
// reconciler, in place of ambient provider-held state. It changes only via
// Reduce, so the routing decision stays an independently testable function.
type Snapshot struct {
	HasSession          bool
	UserID              string
	ProfileLoaded       bool
	RequiresConsent     bool
	ConsentObtained     bool
	SubscriptionStatus  SubscriptionStatus
	SubscriptionEndsAt  *time.Time
	LatestConsentStatus ConsentStatus
	LatestConsentToken  string
}

// Event is a discrete state-change notification.
type Event interface {
	eventKind() string
}

// SessionChanged is emitted when the session appears or ends.
type SessionChanged struct {
	HasSession bool
	UserID     string
}

func (SessionChanged) eventKind() string { return "sessionChanged" }

// ProfileChanged carries a fresh profile read. A nil profile marks the
// profile as not-yet-loaded.
type ProfileChanged struct {
	Profile *Profile
}

func (ProfileChanged) eventKind() string { return "profileChanged" }

// ConsentChanged carries the latest consent record read. A nil record means
// the user has no consent history.
type ConsentChanged struct {
	Record *ConsentRecord
}

func (ConsentChanged) eventKind() string { return "consentChanged" }

// Reduce is pure: same snapshot and event, same result. Ending the session
// drops everything derived from it, which is what re-enters the
// unauthenticated state.
func Reduce(s Snapshot, e Event) Snapshot {
	switch evt := e.(type) {
	case SessionChanged:
		if !evt.HasSession {
			return Snapshot{}
		}
		// A different user means none of the derived fields can be trusted;
		// they belong to whoever was signed in before.
		if evt.UserID != s.UserID {
			s = Snapshot{}
		}
		s.HasSession = true
		s.UserID = evt.UserID
		return s
	case ProfileChanged:
		if evt.Profile == nil {
			s.ProfileLoaded = false
			return s
		}
		s.ProfileLoaded = true
		s.RequiresConsent = evt.Profile.RequiresConsent
		s.ConsentObtained = evt.Profile.ConsentObtained
		s.SubscriptionStatus = evt.Profile.SubscriptionStatus
		s.SubscriptionEndsAt = evt.Profile.SubscriptionEndsAt
		return s
	case ConsentChanged:
		if evt.Record == nil {
			s.LatestConsentStatus = ""
			s.LatestConsentToken = ""
			return s
		}
		s.LatestConsentStatus = evt.Record.Status
		s.LatestConsentToken = evt.Record.Token
		return s
	default:
		return s
	}
}

// Input projects the snapshot onto a gate input for the given route.
func (s Snapshot) Input(route string) GateInput {
	return GateInput{
		HasSession:          s.HasSession,
		ProfileLoaded:       s.ProfileLoaded,
		RequiresConsent:     s.RequiresConsent,
		ConsentObtained:     s.ConsentObtained,
		LatestConsentStatus: s.LatestConsentStatus,
		SubscriptionStatus:  s.SubscriptionStatus,
		SubscriptionEndsAt:  s.SubscriptionEndsAt,
		Route:               route,
	}
}

// Resolved reports whether the pending request reached an outcome in this
// snapshot, by either signal.
func (s Snapshot) Resolved() bool {
	if !s.RequiresConsent {
		return true
	}
	if s.ConsentObtained {
		return true
	}
	return s.LatestConsentStatus == ConsentApproved || s.LatestConsentStatus == ConsentDenied
}
