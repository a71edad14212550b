package realtime

import (
	"net/http"

	"github.com/cobaltforge/agentcore/internal/policy"
)

// Authenticator resolves the authenticated user for an upgrade request.
// It is an external collaborator: the gateway never parses credentials
// itself, matching how the container pool never parses policy tiers
// itself (see policy.Resolve's caller, containerpool.Pool.create).
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// TierLookup resolves the resource tier and any per-user override that
// governs which container a session runs in. Supplied by the same
// external user-management surface as Authenticator.
type TierLookup interface {
	Tier(userID string) (policy.Tier, policy.Override, error)
}
