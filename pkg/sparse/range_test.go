package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeOverlaps(t *testing.T) {
	tests := []struct {
		a, b Range
		want bool
	}{
		{NewRange(0, 4), NewRange(2, 6), true},
		{NewRange(2, 6), NewRange(0, 4), true},
		{NewRange(0, 4), NewRange(4, 8), false},
		{NewRange(4, 8), NewRange(0, 4), false},
		{NewRange(0, 8), NewRange(2, 4), true},
		{NewRange(3, 3), NewRange(0, 8), false},
		{NewRange(0, 8), NewRange(3, 3), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.a.Overlaps(tt.b), "%s overlaps %s", tt.a, tt.b)
	}
}

func TestRangeContains(t *testing.T) {
	assert.True(t, NewRange(0, 8).Contains(NewRange(2, 4)))
	assert.True(t, NewRange(0, 8).Contains(NewRange(0, 8)))
	assert.False(t, NewRange(0, 8).Contains(NewRange(2, 9)))
	assert.False(t, NewRange(2, 8).Contains(NewRange(0, 4)))
}

func TestRangeLength(t *testing.T) {
	assert.Equal(t, int64(4), NewRange(2, 6).Length())
	assert.True(t, NewRange(2, 2).IsEmpty())
	assert.False(t, NewRange(2, 3).IsEmpty())
	assert.Equal(t, "[2,6)", NewRange(2, 6).String())
}
