package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockAdvanceAndSet(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0).UTC()
	clk := New(start)
	require.Equal(t, start, clk.Now())

	clk.Advance(2 * time.Second)
	require.Equal(t, start.Add(2*time.Second), clk.Now())

	later := time.Unix(5000, 0).UTC()
	clk.Set(later)
	require.Equal(t, later, clk.Now())
}
