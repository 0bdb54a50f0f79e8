package dirty_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railhub.dev/simrail/dirty"
)

func TestFieldMarksOnChange(t *testing.T) {
	var g dirty.Group
	speed := dirty.NewField[int](&g)
	name := dirty.NewField[string](&g)

	_, present := speed.Get()
	assert.False(t, present)
	assert.False(t, g.Dirty())

	// The first Set always marks, even with the zero value.
	speed.Set(0)
	assert.True(t, g.Dirty())

	mask := g.ConsumeAny()
	require.NotZero(t, mask)
	assert.True(t, dirty.Has(mask, speed.Bit()))
	assert.False(t, dirty.Has(mask, name.Bit()))
	assert.False(t, g.Dirty())

	// Same value again: clean.
	speed.Set(0)
	assert.Zero(t, g.ConsumeAny())

	speed.Set(120)
	name.Set("Alpha")
	mask = g.ConsumeAny()
	assert.True(t, dirty.Has(mask, speed.Bit()))
	assert.True(t, dirty.Has(mask, name.Bit()))

	v, present := speed.Get()
	assert.True(t, present)
	assert.Equal(t, 120, v)
}

func TestConsumeAnyClears(t *testing.T) {
	var g dirty.Group
	f := dirty.NewField[bool](&g)

	f.Set(true)
	assert.NotZero(t, g.ConsumeAny())
	assert.Zero(t, g.ConsumeAny())

	// Get does not consume.
	f.Set(false)
	_, _ = f.Get()
	assert.True(t, g.Dirty())
	assert.NotZero(t, g.ConsumeAny())
}

func TestFieldsClaimDistinctBits(t *testing.T) {
	var g dirty.Group
	a := dirty.NewField[int](&g)
	b := dirty.NewField[int](&g)
	c := dirty.NewField[int](&g)
	assert.NotEqual(t, a.Bit(), b.Bit())
	assert.NotEqual(t, b.Bit(), c.Bit())

	b.Set(1)
	mask := g.ConsumeAny()
	assert.False(t, dirty.Has(mask, a.Bit()))
	assert.True(t, dirty.Has(mask, b.Bit()))
	assert.False(t, dirty.Has(mask, c.Bit()))
}
