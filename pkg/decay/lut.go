// Package decay computes derived energy/strength via a pre-computed decay
// lookup table and runs the periodic GC tick that classifies lineage
// viability and drives the retention buffer.
package decay

import "math"

// RateBuckets is the number of quantised decay-rate buckets in the LUT.
const RateBuckets = 256

// TimeBuckets is the number of elapsed-time buckets in the LUT.
const TimeBuckets = 32

// timeBoundaries are the logarithmic elapsed-time bucket boundaries, in
// seconds, spanning 0 to roughly one year. Grounded on
// original_source/src/dynamics/decay.rs's DecayLUT::new.
var timeBoundaries = [TimeBuckets]float64{
	0.0, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 30.0, 60.0, 120.0, 300.0,
	600.0, 900.0, 1800.0, 3600.0, 7200.0, 14400.0, 21600.0, 43200.0, 86400.0,
	172800.0, 259200.0, 432000.0, 604800.0, 1209600.0, 2592000.0, 5184000.0,
	7776000.0, 15552000.0, 31104000.0,
}

// LUT is an immutable 256x32 table of exp(-rate*elapsed) decay factors,
// indexed by quantised rate bucket and elapsed-time bucket. Safe to share by
// reference across goroutines once built; never mutated after New.
type LUT struct {
	data [RateBuckets * TimeBuckets]float32
}

// New builds the decay lookup table. Rate buckets are logarithmically
// spaced: bucket 0 is rate 0 (no decay); bucket r>0 is 10^((r/255)*6 - 6),
// covering roughly 1e-6 to 1.0 per second.
func New() *LUT {
	l := &LUT{}
	for r := 0; r < RateBuckets; r++ {
		rate := bucketToRate(r)
		for c := 0; c < TimeBuckets; c++ {
			factor := math.Exp(-rate * timeBoundaries[c])
			l.data[r*TimeBuckets+c] = float32(factor)
		}
	}
	return l
}

func bucketToRate(r int) float64 {
	if r == 0 {
		return 0
	}
	return math.Pow(10, (float64(r)/255.0)*6.0-6.0)
}

// RateBucket quantises a decay rate (per second) to its LUT row.
func RateBucket(rate float64) uint8 {
	if rate <= 0 {
		return 0
	}
	logRate := math.Log10(rate)
	bucket := int(math.Round((logRate + 6.0) / 6.0 * 255.0))
	if bucket < 0 {
		bucket = 0
	}
	if bucket > RateBuckets-1 {
		bucket = RateBuckets - 1
	}
	return uint8(bucket)
}

// timeBucket returns the nearest (not interpolated) elapsed-time bucket:
// the highest boundary not exceeding elapsed.
func timeBucket(elapsedSecs float64) int {
	for i := TimeBuckets - 1; i >= 0; i-- {
		if elapsedSecs >= timeBoundaries[i] {
			return i
		}
	}
	return 0
}

// Factor returns the decay multiplier for a quantised rate bucket and raw
// elapsed seconds, via nearest-bucket (no interpolation) lookup.
func (l *LUT) Factor(rateBucket uint8, elapsedSecs float64) float32 {
	tb := timeBucket(elapsedSecs)
	return l.data[int(rateBucket)*TimeBuckets+tb]
}

// FactorForRate is a convenience that quantises rate before lookup.
func (l *LUT) FactorForRate(rate, elapsedSecs float64) float32 {
	return l.Factor(RateBucket(rate), elapsedSecs)
}
