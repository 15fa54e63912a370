package dispute

import (
	"context"
	"testing"

	"github.com/taskbazaar/settlement/internal/escrow"
)

func TestRuleArbitrator(t *testing.T) {
	a := NewRuleArbitrator()
	ctx := context.Background()

	tests := []struct {
		name           string
		c              Case
		wantResolution string
		wantMinConf    int
		wantMaxConf    int
	}{
		{
			name:           "non-delivery category refunds with high confidence",
			c:              Case{Category: CategoryNotDelivered, Reason: "nothing arrived"},
			wantResolution: escrow.ResolutionRefundBuyer,
			wantMinConf:    85,
			wantMaxConf:    100,
		},
		{
			name:           "non-delivery keywords in free text",
			c:              Case{Category: CategoryOther, Reason: "the agent never received my brief and nothing was delivered"},
			wantResolution: escrow.ResolutionRefundBuyer,
			wantMinConf:    85,
			wantMaxConf:    100,
		},
		{
			name:           "partial delivery suggests a split below threshold",
			c:              Case{Reason: "the report is incomplete, half the sections are empty"},
			wantResolution: escrow.ResolutionSplit,
			wantMinConf:    50,
			wantMaxConf:    84,
		},
		{
			name:           "quality complaint stays below threshold",
			c:              Case{Category: CategoryQuality, Reason: "result is not what I hoped for"},
			wantResolution: escrow.ResolutionSplit,
			wantMinConf:    0,
			wantMaxConf:    84,
		},
		{
			name:           "buyer remorse leans to the seller",
			c:              Case{Reason: "I changed my mind about the whole project"},
			wantResolution: escrow.ResolutionPaySeller,
			wantMinConf:    0,
			wantMaxConf:    84,
		},
		{
			name:           "no signal defaults to a low-confidence split",
			c:              Case{Reason: "something felt off about this transaction"},
			wantResolution: escrow.ResolutionSplit,
			wantMinConf:    0,
			wantMaxConf:    50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := a.Recommend(ctx, tt.c)
			if err != nil {
				t.Fatalf("Recommend failed: %v", err)
			}
			if rec.Resolution != tt.wantResolution {
				t.Errorf("resolution = %s, want %s", rec.Resolution, tt.wantResolution)
			}
			if rec.Confidence < tt.wantMinConf || rec.Confidence > tt.wantMaxConf {
				t.Errorf("confidence = %d, want within [%d, %d]",
					rec.Confidence, tt.wantMinConf, tt.wantMaxConf)
			}
			if rec.Analysis == "" {
				t.Error("empty analysis")
			}
		})
	}
}

func TestRuleArbitrator_Deterministic(t *testing.T) {
	a := NewRuleArbitrator()
	c := Case{Category: CategoryQuality, Reason: "low quality output, not as described"}

	first, err := a.Recommend(context.Background(), c)
	if err != nil {
		t.Fatalf("Recommend failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := a.Recommend(context.Background(), c)
		if err != nil {
			t.Fatalf("Recommend failed: %v", err)
		}
		if *again != *first {
			t.Fatalf("recommendation changed between runs: %+v vs %+v", again, first)
		}
	}
}
