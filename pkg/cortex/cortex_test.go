package cortex

import (
	"testing"

	"github.com/mindfry/mindfry/pkg/setun"
)

func TestConsciousnessStateThresholds(t *testing.T) {
	c := New(setun.Neutral())
	if got := c.ConsciousnessState(0.9, 0.5); got != Lucid {
		t.Errorf("high energy above threshold should be Lucid, got %v", got)
	}
	if got := c.ConsciousnessState(0.1, 0.5); got != Dormant {
		t.Errorf("low energy below threshold should be Dormant, got %v", got)
	}
}

func TestMoodRaisesLucidSurfacing(t *testing.T) {
	c := New(setun.Neutral())
	base := c.ConsciousnessState(0.52, 0.5)
	c.SetMood(1.0)
	excited := c.ConsciousnessState(0.52, 0.5)
	if excited < base {
		t.Errorf("positive mood should not reduce consciousness classification: base=%v excited=%v", base, excited)
	}
}

func TestEvaluateResonance(t *testing.T) {
	personality := setun.Neutral().Set(setun.Curiosity, setun.True)
	c := New(personality)
	event := setun.Neutral().Set(setun.Curiosity, setun.True)
	if c.Evaluate(event) != setun.True {
		t.Error("aligned event should evaluate True")
	}
}

func TestFilterPolicyRepressedUnlessBypass(t *testing.T) {
	personality := setun.Neutral().Set(setun.Curiosity, setun.True)
	c := New(personality)
	event := setun.Neutral().Set(setun.Curiosity, setun.False)

	if got := c.FilterPolicy(event, 0, 0); got != Repressed {
		t.Errorf("opposing event should be Repressed without bypass, got %v", got)
	}
	if got := c.FilterPolicy(event, 0, FlagBypassFilters); got != Found {
		t.Errorf("BYPASS_FILTERS should surface the lineage, got %v", got)
	}
}

func TestFilterPolicyDormantBuffered(t *testing.T) {
	c := New(setun.Neutral())
	c.Retention().MarkOrTick(5)
	if got := c.FilterPolicy(setun.Neutral(), 5, 0); got != DormantFiltered {
		t.Errorf("buffered lineage should be filtered Dormant, got %v", got)
	}
	if got := c.FilterPolicy(setun.Neutral(), 5, FlagIncludeRepressed); got != Found {
		t.Errorf("INCLUDE_REPRESSED should surface buffered lineage, got %v", got)
	}
}

func TestViabilityClassification(t *testing.T) {
	c := New(setun.Neutral())
	if c.Viability(0.9, 0.5) != Stable {
		t.Error("energy above threshold should be Stable")
	}
	if c.Viability(0.01, 0.5) != Obsolete {
		t.Error("energy far below threshold should be Obsolete")
	}
}
