package dispute

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnauthorized signals the callback bearer is not the registered arbitrator.
var ErrUnauthorized = errors.New("dispute: caller is not the registered arbitrator")

// ErrBadOutcome signals an outcome code outside the binary ruling space.
var ErrBadOutcome = errors.New("dispute: outcome code is not a binary ruling")

// RulingApplier is the engine surface the router drives once a callback has
// been authenticated. Implemented by agreement.Service.
type RulingApplier interface {
	ApplyRuling(ctx context.Context, disputeID string, ruling Ruling) error
}

// ArbitratorVerifier authenticates callback bearer tokens. Implemented by
// identity.Service.
type ArbitratorVerifier interface {
	VerifyArbitrator(token string) (accountID string, err error)
}

// Router is the single authenticated entry point external arbitration code
// may call back into. It maps the external dispute id onto the owning
// agreement and enforces exactly-once ruling application: replays after the
// first successful application are rejected, never re-executed.
type Router struct {
	verifier ArbitratorVerifier
	engine   RulingApplier
}

func NewRouter(verifier ArbitratorVerifier, engine RulingApplier) *Router {
	return &Router{verifier: verifier, engine: engine}
}

// Rule authenticates the bearer, parses the arbitrator's outcome code and
// applies the ruling through the engine. The outcome is validated before the
// engine runs so an ambiguous code never reaches the funds path.
func (r *Router) Rule(ctx context.Context, bearerToken, disputeID string, outcomeCode int) error {
	if _, err := r.verifier.VerifyArbitrator(bearerToken); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	ruling, ok := ParseOutcome(outcomeCode)
	if !ok {
		return fmt.Errorf("%w: code %d", ErrBadOutcome, outcomeCode)
	}

	return r.engine.ApplyRuling(ctx, disputeID, ruling)
}
