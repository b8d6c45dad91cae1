package consent

import (
	"strings"
	"time"
)

// GateState is the access gate's view of a user.
type GateState string

const (
	// StateUnauthenticated no session; re-entered whenever the session ends
	StateUnauthenticated GateState = "unauthenticated"
	// StateResolving session present, profile/consent not yet loaded
	StateResolving GateState = "resolving"
	// StateAwaitingResolution a guardian has an open request to act on
	StateAwaitingResolution GateState = "awaiting_resolution"
	// StateResolutionDenied the guardian declined; terminal for that token
	StateResolutionDenied GateState = "resolution_denied"
	// StateActive a signed-in user with consent resolved
	StateActive GateState = "active"
)

// SubscriptionPolicy controls whether subscription expiry is enforced in the
// routing decision. Historically it was computed but never enforced; the
// knob makes that choice explicit instead of baked in.
type SubscriptionPolicy int

const (
	// SubscriptionIgnored preserves the permissive behavior (default).
	SubscriptionIgnored SubscriptionPolicy = iota
	// SubscriptionEnforced redirects lapsed subscriptions to the paywall.
	SubscriptionEnforced
)

// GateRoutes names the routing surface the gate decides over. Prefix
// matching is used for the protected area and auth routes.
type GateRoutes struct {
	// Entry is the sign-in route unauthenticated users land on.
	Entry string
	// AuthPrefixes are routes that only make sense without a resolved
	// session (sign-in, registration, password reset).
	AuthPrefixes []string
	// Protected is the prefix of the gated reading area.
	Protected string
	// Home is the landing route inside the protected area.
	Home string
	// Awaiting shows the waiting-for-guardian screen.
	Awaiting string
	// Denied is the informational screen for a declined request.
	Denied string
	// DeepLink is the guardian's token-bearing resolution page. It must be
	// usable without the gated session and is never redirected away from.
	DeepLink string
	// Paywall is only used when SubscriptionEnforced is set.
	Paywall string
}

// DefaultGateRoutes returns the route table the Readerly client ships with.
func DefaultGateRoutes() GateRoutes {
	return GateRoutes{
		Entry:        "/login",
		AuthPrefixes: []string{"/login", "/register", "/password-reset"},
		Protected:    "/app",
		Home:         "/app/library",
		Awaiting:     "/consent/awaiting",
		Denied:       "/consent/denied",
		DeepLink:     "/consent/resolve",
		Paywall:      "/subscribe",
	}
}

// GateInput is the full transition input. It is deliberately flat: every
// field comes from a discrete event (sessionChanged, profileChanged,
// consentChanged) so the decision stays a pure function.
type GateInput struct {
	HasSession          bool
	ProfileLoaded       bool
	RequiresConsent     bool
	ConsentObtained     bool
	LatestConsentStatus ConsentStatus
	SubscriptionStatus  SubscriptionStatus
	SubscriptionEndsAt  *time.Time
	Route               string
}

// Decision is the routing outcome for one input.
type Decision struct {
	State    GateState
	Redirect bool
	Location string
}

// GateOption customizes gate construction.
type GateOption func(*Gate)

// WithGateRoutes overrides the route table.
func WithGateRoutes(routes GateRoutes) GateOption {
	return func(g *Gate) {
		g.routes = routes
	}
}

// WithSubscriptionPolicy sets expiry enforcement.
func WithSubscriptionPolicy(policy SubscriptionPolicy) GateOption {
	return func(g *Gate) {
		g.policy = policy
	}
}

// WithGateClock injects a custom clock (useful for tests).
func WithGateClock(clock func() time.Time) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.now = clock
		}
	}
}

// Gate maps authentication/authorization state to a routing decision. It
// holds no mutable state; Evaluate may be called from anywhere.
type Gate struct {
	routes GateRoutes
	policy SubscriptionPolicy
	now    func() time.Time
}

// NewGate returns a gate with the default route table.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		routes: DefaultGateRoutes(),
		policy: SubscriptionIgnored,
		now:    time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	return g
}

// Routes exposes the configured route table.
func (g *Gate) Routes() GateRoutes {
	return g.routes
}

// NeedsConsent derives the gating predicate from BOTH signals: the profile
// flag and the latest record status. Either one marking the request
// resolved wins, which tolerates the approved-record/failed-profile-write
// window.
func (g *Gate) NeedsConsent(in GateInput) bool {
	if !in.RequiresConsent {
		return false
	}
	if in.ConsentObtained {
		return false
	}
	return in.LatestConsentStatus != ConsentApproved && in.LatestConsentStatus != ConsentDenied
}

// Denied reports the terminal denied condition: the latest record was
// declined and no approval superseded it.
func (g *Gate) Denied(in GateInput) bool {
	return in.RequiresConsent &&
		!in.ConsentObtained &&
		in.LatestConsentStatus == ConsentDenied
}

// Evaluate applies the decision rules in precedence order and returns the
// state plus an optional redirect.
func (g *Gate) Evaluate(in GateInput) Decision {
	state := g.stateOf(in)

	// The deep-link resolution page wins over everything: the guardian has
	// no session on this device and must never be bounced off the page.
	if g.onDeepLink(in.Route) {
		return Decision{State: state}
	}

	if !in.HasSession {
		if g.inProtected(in.Route) || in.Route == g.routes.Awaiting {
			return Decision{State: state, Redirect: true, Location: g.routes.Entry}
		}
		return Decision{State: state}
	}

	if !in.ProfileLoaded {
		// Nothing authoritative to act on yet; hold position.
		return Decision{State: state}
	}

	if g.Denied(in) {
		if in.Route != g.routes.Denied {
			return Decision{State: state, Redirect: true, Location: g.routes.Denied}
		}
		return Decision{State: state}
	}

	if g.NeedsConsent(in) {
		if in.Route != g.routes.Awaiting {
			return Decision{State: state, Redirect: true, Location: g.routes.Awaiting}
		}
		return Decision{State: state}
	}

	if in.Route == g.routes.Awaiting {
		return Decision{State: state, Redirect: true, Location: g.routes.Home}
	}

	if in.Route == g.routes.Entry || g.onAuthRoute(in.Route) {
		return Decision{State: state, Redirect: true, Location: g.routes.Home}
	}

	if g.policy == SubscriptionEnforced && g.inProtected(in.Route) && in.Route != g.routes.Paywall {
		profile := Profile{
			SubscriptionStatus: in.SubscriptionStatus,
			SubscriptionEndsAt: in.SubscriptionEndsAt,
		}
		if !profile.SubscriptionIsActive(g.now()) {
			return Decision{State: state, Redirect: true, Location: g.routes.Paywall}
		}
	}

	return Decision{State: state}
}

func (g *Gate) stateOf(in GateInput) GateState {
	switch {
	case !in.HasSession:
		return StateUnauthenticated
	case !in.ProfileLoaded:
		return StateResolving
	case g.Denied(in):
		return StateResolutionDenied
	case g.NeedsConsent(in):
		return StateAwaitingResolution
	default:
		return StateActive
	}
}

func (g *Gate) onDeepLink(route string) bool {
	return g.routes.DeepLink != "" && strings.HasPrefix(route, g.routes.DeepLink)
}

func (g *Gate) inProtected(route string) bool {
	return g.routes.Protected != "" && strings.HasPrefix(route, g.routes.Protected)
}

func (g *Gate) onAuthRoute(route string) bool {
	for _, prefix := range g.routes.AuthPrefixes {
		if prefix != "" && strings.HasPrefix(route, prefix) {
			return true
		}
	}
	return false
}
