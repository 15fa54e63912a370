package dispute

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskbazaar/settlement/internal/escrow"
)

// RuleArbitrator is the default arbitrator: a deterministic keyword and
// category heuristic. It deliberately caps its confidence below the usual
// auto-resolve threshold except for the clearest cases, leaving judgment
// calls to a human.
type RuleArbitrator struct{}

// NewRuleArbitrator creates the built-in heuristic arbitrator.
func NewRuleArbitrator() *RuleArbitrator { return &RuleArbitrator{} }

// Recommend scores a dispute from its category and reason text alone.
func (a *RuleArbitrator) Recommend(ctx context.Context, c Case) (*Recommendation, error) {
	text := strings.ToLower(c.Reason + " " + c.Details)

	switch {
	case c.Category == CategoryNotDelivered, containsAny(text, "not delivered", "never received", "no delivery", "nothing was delivered"):
		return &Recommendation{
			Resolution: escrow.ResolutionRefundBuyer,
			Confidence: 90,
			Analysis:   fmt.Sprintf("Buyer reports non-delivery on order %s. Full refund recommended.", c.OrderID),
		}, nil

	case containsAny(text, "incomplete", "partially", "half done", "missing parts"):
		return &Recommendation{
			Resolution: escrow.ResolutionSplit,
			Confidence: 70,
			Analysis:   "Work appears partially delivered. An even split compensates both parties.",
		}, nil

	case c.Category == CategoryQuality, containsAny(text, "low quality", "poor quality", "not as described"):
		return &Recommendation{
			Resolution: escrow.ResolutionSplit,
			Confidence: 55,
			Analysis:   "Quality complaint with no objective evidence either way. Split suggested; human review advised.",
		}, nil

	case containsAny(text, "changed my mind", "no longer need"):
		return &Recommendation{
			Resolution: escrow.ResolutionPaySeller,
			Confidence: 60,
			Analysis:   "Buyer remorse after delivery. The seller performed; payout suggested pending review.",
		}, nil
	}

	return &Recommendation{
		Resolution: escrow.ResolutionSplit,
		Confidence: 40,
		Analysis:   "No decisive signal in the dispute text. Human resolution required.",
	}, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var _ Arbitrator = (*RuleArbitrator)(nil)
