// internal/agent/router.go
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/syntrik/mend/api/schemas"
)

// Router implements schemas.AgentClient and dispatches requests to the client
// configured for the requested model tier. A shared rate limiter caps the
// total outbound call rate across both tiers.
type Router struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.AgentClient
	limiter *rate.Limiter
}

// NewRouter creates a router with the given clients and a requests-per-minute
// budget. A budget of zero or less disables rate limiting.
func NewRouter(logger *zap.Logger, fast, powerful schemas.AgentClient, requestsPerMinute float64) (*Router, error) {
	if fast == nil || powerful == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerMinute/60.0), 1)
	}

	return &Router{
		logger: logger.Named("agent.router"),
		clients: map[schemas.ModelTier]schemas.AgentClient{
			schemas.TierFast:     fast,
			schemas.TierPowerful: powerful,
		},
		limiter: limiter,
	}, nil
}

// Ask selects the appropriate client based on the request's tier.
func (r *Router) Ask(ctx context.Context, req schemas.AgentRequest) (schemas.AgentResponse, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful
	}

	client, ok := r.clients[tier]
	if !ok {
		return schemas.AgentResponse{}, fmt.Errorf("no agent client configured for tier: %s", tier)
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return schemas.AgentResponse{}, fmt.Errorf("rate limit wait aborted: %w", err)
		}
	}

	r.logger.Debug("Routing agent request", zap.String("tier", string(tier)))
	return client.Ask(ctx, req)
}
