package sensor

import (
	"fmt"
	"math/rand/v2"
	"sort"
)

// Profile describes how a simulated sensor samples a process: a number of
// frames drawn from [MinFrames, MaxFrames], each in the nominal band with
// probability Nominal and in the excursion band otherwise.
type Profile struct {
	MinFrames, MaxFrames int
	Nominal              float64
	NominalLow           float64
	NominalSpan          float64
	ExcursionLow         float64
	ExcursionSpan        float64
}

var profiles = map[string]Profile{
	// raw milk arrives at no more than 10°C, sampled every 15s over 15min to 15h
	"transport": {MinFrames: 60, MaxFrames: 3600, Nominal: 0.9999, NominalLow: 7, NominalSpan: 3, ExcursionLow: 10, ExcursionSpan: 2},
	// at least 71.7°C for 15s, two samples per second
	"pasteurization": {MinFrames: 30, MaxFrames: 30, Nominal: 0.99, NominalLow: 71.7, NominalSpan: 3, ExcursionLow: 69.7, ExcursionSpan: 2},
	// at least 135°C over a 1.5s cycle, ten samples per second
	"sterilization": {MinFrames: 15, MaxFrames: 15, Nominal: 0.99, NominalLow: 135, NominalSpan: 3, ExcursionLow: 132, ExcursionSpan: 2},
	"storage":       {MinFrames: 60, MaxFrames: 1080, Nominal: 0.999, NominalLow: 0, NominalSpan: 4, ExcursionLow: 4, ExcursionSpan: 4},
	"shipping":      {MinFrames: 60, MaxFrames: 3600, Nominal: 0.999, NominalLow: 1, NominalSpan: 3, ExcursionLow: 4, ExcursionSpan: 2},
}

// ProfileFor returns the simulation profile of the named sensor.
func ProfileFor(sensor string) (Profile, error) {
	p, ok := profiles[sensor]
	if !ok {
		return Profile{}, fmt.Errorf("unknown sensor %q", sensor)
	}
	return p, nil
}

// Sensors lists the simulated sensor names.
func Sensors() []string {
	out := make([]string, 0, len(profiles))
	for name := range profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Simulator draws reading series. It is not safe for concurrent use.
type Simulator struct {
	rng *rand.Rand
}

// NewSimulator returns a simulator seeded with seed so runs are reproducible.
func NewSimulator(seed uint64) *Simulator {
	return &Simulator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Readings draws one series for the named sensor.
func (s *Simulator) Readings(sensor string) ([]float64, error) {
	p, err := ProfileFor(sensor)
	if err != nil {
		return nil, err
	}
	return s.Draw(p), nil
}

// Draw samples a series from p.
func (s *Simulator) Draw(p Profile) []float64 {
	frames := p.MinFrames
	if p.MaxFrames > p.MinFrames {
		frames += s.rng.IntN(p.MaxFrames - p.MinFrames + 1)
	}
	out := make([]float64, frames)
	for i := range out {
		if s.rng.Float64() < p.Nominal {
			out[i] = p.NominalLow + s.rng.Float64()*p.NominalSpan
		} else {
			out[i] = p.ExcursionLow + s.rng.Float64()*p.ExcursionSpan
		}
	}
	return out
}
