package now

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var mockTime = time.Date(2024, time.July, 1, 10, 0, 0, 0, time.UTC)

func TestNow_TimeProvidedInContext_ReturnsProvidedTime(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKey, mockTime)
	require.Equal(t, mockTime, Now(ctx))
}

func TestNow_NoOverride_ReturnsWallClock(t *testing.T) {
	before := time.Now()
	got := Now(context.Background())
	require.False(t, got.Before(before))
}

func TestTimeTravelingContext_SetTime_MovesClock(t *testing.T) {
	ctx := TimeTravelingContext(mockTime)
	require.Equal(t, mockTime, Now(ctx))
	later := mockTime.Add(25 * time.Hour)
	ctx.SetTime(later)
	require.Equal(t, later, Now(ctx))
}
