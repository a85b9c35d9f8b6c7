package sentiment

import (
	"testing"

	"github.com/mindfry/mindfry/pkg/setun"
)

func TestTagEventHappyIsPositiveEmpathy(t *testing.T) {
	e := Default().TagEvent("this is wonderful, excellent, amazing news!")
	if e.Get(setun.Empathy) != setun.True {
		t.Errorf("happy tag should set Empathy True, got %v", e.Get(setun.Empathy))
	}
}

func TestTagEventAngryIsAggressive(t *testing.T) {
	e := Default().TagEvent("this is horrible, hateful, disgusting and enraging")
	if e.Get(setun.Aggression) != setun.True && e.Get(setun.Rigidity) != setun.True {
		t.Errorf("strongly negative tag should set Aggression or Rigidity True, got %+v", e)
	}
}

func TestTagEventNeutralLeavesOctetUnknown(t *testing.T) {
	e := Default().TagEvent("the file is on the table")
	for i := 0; i < 8; i++ {
		if e.Get(i) != setun.Unknown {
			t.Errorf("neutral tag should leave dimension %d Unknown, got %v", i, e.Get(i))
		}
	}
}
