// Package sentiment adapts govader's VADER sentiment scores into a Cortex
// event Octet, grounding the HAS_TAG wire flag: a GET request may carry a
// free-text tag (and PATTERN/TRAUMA requests always do), which this
// package turns into the personality-aligned event Cortex.Evaluate expects.
package sentiment

import (
	"math"
	"sync"

	"github.com/jonreiter/govader"
	"github.com/mindfry/mindfry/pkg/setun"
)

// Label is one of the six basic emotions plus neutral (Ekman, 1992).
type Label string

const (
	LabelHappiness Label = "happiness"
	LabelSadness   Label = "sadness"
	LabelFear      Label = "fear"
	LabelAnger     Label = "anger"
	LabelDisgust   Label = "disgust"
	LabelSurprise  Label = "surprise"
	LabelNeutral   Label = "neutral"
)

// Result holds the full analysis for one tag.
type Result struct {
	Label    Label
	Compound float64
	Positive float64
	Negative float64
	Neutral  float64
}

// Analyzer wraps govader's SentimentIntensityAnalyzer. Safe for concurrent
// use; govader's analyzer is not, so calls are serialised internally.
type Analyzer struct {
	sia *govader.SentimentIntensityAnalyzer
	mu  sync.Mutex
}

var (
	defaultAnalyzer *Analyzer
	once            sync.Once
)

// Default returns the package-level singleton Analyzer.
func Default() *Analyzer {
	once.Do(func() { defaultAnalyzer = New() })
	return defaultAnalyzer
}

// New creates a fresh Analyzer. Prefer Default() for shared use.
func New() *Analyzer {
	return &Analyzer{sia: govader.NewSentimentIntensityAnalyzer()}
}

// Analyze scores tag and assigns it one of the six basic emotions, or
// neutral.
func (a *Analyzer) Analyze(tag string) Result {
	a.mu.Lock()
	scores := a.sia.PolarityScores(tag)
	a.mu.Unlock()

	r := Result{Compound: scores.Compound, Positive: scores.Positive, Negative: scores.Negative, Neutral: scores.Neutral}
	r.Label = mapToLabel(scores.Compound, scores.Positive, scores.Negative, scores.Neutral)
	return r
}

func mapToLabel(compound, pos, neg, neu float64) Label {
	switch {
	case compound >= 0.60:
		return LabelHappiness
	case compound >= 0.20:
		return LabelSurprise
	case compound <= -0.60:
		return strongNegativeLabel(pos, neg, neu)
	case compound <= -0.20:
		return LabelSadness
	default:
		return LabelNeutral
	}
}

func strongNegativeLabel(pos, neg, neu float64) Label {
	_ = pos
	ratio := 0.0
	if neu > 0 {
		ratio = neg / neu
	} else {
		ratio = math.MaxFloat64
	}
	switch {
	case ratio > 1.5:
		return LabelAnger
	case neu > neg:
		return LabelFear
	default:
		return LabelDisgust
	}
}

// TagEvent analyzes tag and projects its emotion label onto a Cortex event
// Octet. Each label sets the one or two dimensions it most plausibly
// signals; every other dimension stays Unknown so Octet.Resonance ignores
// it rather than treating silence as disagreement.
func (a *Analyzer) TagEvent(tag string) setun.Octet {
	result := a.Analyze(tag)
	e := setun.Neutral()
	switch result.Label {
	case LabelHappiness:
		e = e.Set(setun.Empathy, setun.True).Set(setun.Volatility, setun.False)
	case LabelSurprise:
		e = e.Set(setun.Curiosity, setun.True).Set(setun.Volatility, setun.True)
	case LabelAnger:
		e = e.Set(setun.Aggression, setun.True).Set(setun.Volatility, setun.True)
	case LabelFear:
		e = e.Set(setun.Rigidity, setun.True).Set(setun.Volatility, setun.True)
	case LabelDisgust:
		e = e.Set(setun.Aggression, setun.True).Set(setun.Empathy, setun.False)
	case LabelSadness:
		e = e.Set(setun.Empathy, setun.False).Set(setun.Volatility, setun.False)
	}
	return e
}
