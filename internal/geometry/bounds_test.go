package geometry

import (
	"encoding/json"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOctantTiesGoLow(t *testing.T) {
	b := Bounds{Mid: r3.Vector{}, Radius: 1}
	assert.Equal(t, uint8(0), b.Octant(r3.Vector{}))
	assert.Equal(t, uint8(1), b.Octant(r3.Vector{X: 0.1}))
	assert.Equal(t, uint8(2), b.Octant(r3.Vector{Y: 0.1}))
	assert.Equal(t, uint8(4), b.Octant(r3.Vector{Z: 0.1}))
	assert.Equal(t, uint8(7), b.Octant(r3.Vector{X: 1, Y: 1, Z: 1}))
}

func TestChildContainsOctantPoints(t *testing.T) {
	b := Bounds{Mid: r3.Vector{X: 10, Y: 20, Z: 30}, Radius: 8}
	pts := []r3.Vector{
		{X: 10, Y: 20, Z: 30},
		{X: 17, Y: 13, Z: 22},
		{X: 2.5, Y: 27.9, Z: 37},
		{X: 18, Y: 28, Z: 38},
	}
	for _, p := range pts {
		c := b.Child(b.Octant(p))
		assert.True(t, c.Contains(p), "%v not in %v", p, c)
		assert.Equal(t, b.Radius/2, c.Radius)
	}
}

func TestNewBoundsCubeifies(t *testing.T) {
	b := NewBounds(r3.Vector{}, r3.Vector{X: 4, Y: 2, Z: 1})
	assert.Equal(t, r3.Vector{X: 2, Y: 1, Z: 0.5}, b.Mid)
	assert.InDelta(t, 2, b.Radius, 1e-6)
	assert.True(t, b.Contains(r3.Vector{X: 4, Y: 2, Z: 1}))
}

func TestBoxFromArray(t *testing.T) {
	b, err := BoxFromArray([]float64{0, 0, 0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, [6]float64{0, 0, 0, 1, 2, 3}, b.Array())

	_, err = BoxFromArray([]float64{1, 2})
	assert.Error(t, err)
	_, err = BoxFromArray([]float64{1, 0, 0, 0, 1, 1})
	assert.Error(t, err)
}

func TestBoxGrow(t *testing.T) {
	b := EmptyBox()
	assert.True(t, b.IsEmpty())
	b.Grow(r3.Vector{X: 1, Y: 1, Z: 1})
	b.Grow(r3.Vector{X: -1, Y: 2, Z: 0})
	assert.Equal(t, r3.Vector{X: -1, Y: 1, Z: 0}, b.Min)
	assert.Equal(t, r3.Vector{X: 1, Y: 2, Z: 1}, b.Max)
}

func TestBoxJSON(t *testing.T) {
	b := Box{Min: r3.Vector{X: -1, Y: 2, Z: 0.5}, Max: r3.Vector{X: 3, Y: 4, Z: 5}}
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `[-1, 2, 0.5, 3, 4, 5]`, string(raw))

	var back Box
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, b, back)
	assert.Error(t, json.Unmarshal([]byte(`[1, 2, 3]`), &back))
}

func TestBoxOverlaps(t *testing.T) {
	a := Box{Max: r3.Vector{X: 1, Y: 1, Z: 1}}
	assert.True(t, a.Overlaps(Box{Min: r3.Vector{X: 1, Y: 0, Z: 0}, Max: r3.Vector{X: 2, Y: 1, Z: 1}}))
	assert.False(t, a.Overlaps(Box{Min: r3.Vector{X: 1.5}, Max: r3.Vector{X: 2, Y: 1, Z: 1}}))
}
