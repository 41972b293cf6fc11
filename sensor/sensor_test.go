package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRules(t *testing.T) {
	tests := []struct {
		name     string
		rule     string
		readings []float64
		want     bool
	}{
		{"pasteurized", "all(readings, {# >= 71.7})", []float64{71.7, 72.4, 74.1}, true},
		{"pasteurization dip", "all(readings, {# >= 71.7})", []float64{72.0, 71.69, 73}, false},
		{"cold chain", "all(readings, {# <= 4})", []float64{0.5, 3.9, 4}, true},
		{"cold chain break", "all(readings, {# <= 4})", []float64{3.1, 4.2}, false},
		{"transport", "all(readings, {# <= 10})", []float64{7, 9.99, 10}, true},
		{"average", "sum(readings) / len(readings) < 5", []float64{4, 5}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.rule, tt.readings)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuleErrors(t *testing.T) {
	_, err := CompileRule("")
	require.Error(t, err)

	_, err = CompileRule("readings +")
	require.Error(t, err)

	_, err = CompileRule("len(readings)")
	require.Error(t, err)

	rule, err := CompileRule("all(readings, {# <= 4})")
	require.NoError(t, err)
	_, err = rule.Check(nil)
	require.ErrorIs(t, err, ErrNoReadings)

	again, err := CompileRule("all(readings, {# <= 4})")
	require.NoError(t, err)
	assert.Same(t, rule.program, again.program)
}

func TestSimulatorIsReproducible(t *testing.T) {
	a, err := NewSimulator(7).Readings("pasteurization")
	require.NoError(t, err)
	b, err := NewSimulator(7).Readings("pasteurization")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 30)

	_, err = NewSimulator(7).Readings("freezer")
	require.Error(t, err)
}

func TestSimulatorBands(t *testing.T) {
	sim := NewSimulator(42)
	for _, name := range Sensors() {
		p, err := ProfileFor(name)
		require.NoError(t, err)
		for range 20 {
			series := sim.Draw(p)
			require.GreaterOrEqual(t, len(series), p.MinFrames)
			require.LessOrEqual(t, len(series), p.MaxFrames)
			for _, r := range series {
				inNominal := r >= p.NominalLow && r <= p.NominalLow+p.NominalSpan
				inExcursion := r >= p.ExcursionLow && r <= p.ExcursionLow+p.ExcursionSpan
				require.True(t, inNominal || inExcursion, "%s reading %v", name, r)
			}
		}
	}
}

func TestSimulatedPasteurizationMostlyPasses(t *testing.T) {
	sim := NewSimulator(1)
	passed := 0
	for range 200 {
		readings, err := sim.Readings("pasteurization")
		require.NoError(t, err)
		ok, err := Evaluate("all(readings, {# >= 71.7})", readings)
		require.NoError(t, err)
		if ok {
			passed++
		}
	}
	// 0.99^30 is about 0.74
	assert.Greater(t, passed, 100)
	assert.Less(t, passed, 200)
}

func TestDistance(t *testing.T) {
	a := Point{Lat: 44.888892, Lon: 11.065959}
	assert.InDelta(t, 0, Distance(a, a), 1e-9)

	// one degree of latitude is about 111.2 km
	b := Point{Lat: 45.888892, Lon: 11.065959}
	assert.InDelta(t, 111195, Distance(a, b), 100)
	assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-6)
}

func TestRouteReaches(t *testing.T) {
	farm, ok := Site("Fattoria Clarkson")
	require.True(t, ok)

	ok, err := RouteReaches([]Point{Depot, farm}, "Fattoria Clarkson", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	near := Point{Lat: farm.Lat + 0.002, Lon: farm.Lon}
	ok, err = RouteReaches([]Point{Depot, near}, "Fattoria Clarkson", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = RouteReaches([]Point{Depot, detour}, "Fattoria Clarkson", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, name := range Sites() {
		ok, err := RouteReaches([]Point{Depot, detour}, name, 0)
		require.NoError(t, err)
		assert.False(t, ok, name)
	}

	_, err = RouteReaches(nil, "Fattoria Clarkson", 0)
	require.Error(t, err)
	_, err = RouteReaches([]Point{Depot}, "Nowhere", 0)
	require.Error(t, err)
}

func TestSimulatedRoute(t *testing.T) {
	sim := NewSimulator(3)
	arrived := 0
	for range 300 {
		route, err := sim.Route("Coop 3.0 Mirandola", 10)
		require.NoError(t, err)
		require.Len(t, route, 11)
		assert.Equal(t, Depot, route[0])
		ok, err := RouteReaches(route, "Coop 3.0 Mirandola", 0)
		require.NoError(t, err)
		if ok {
			arrived++
		}
	}
	assert.Greater(t, arrived, 280)

	_, err := sim.Route("Nowhere", 10)
	require.Error(t, err)
}
