package shorts

import (
	"testing"
	"time"

	"dataharvest/lib/timezone"

	"github.com/stretchr/testify/require"
)

func TestTimeFrame(t *testing.T) {
	require.False(t, Current().Historical())

	// a mid-day cutoff still covers that day's own disclosures, which
	// sit at midnight Madrid
	midday := time.Date(2024, 2, 20, 13, 45, 12, 0, timezone.Location)
	frame := Since(midday)
	require.True(t, frame.Historical())
	require.True(t, frame.Since.Equal(
		time.Date(2024, 2, 20, 0, 0, 0, 0, timezone.Location)))

	sameDay := time.Date(2024, 2, 20, 0, 0, 0, 0, timezone.Location)
	require.False(t, sameDay.Before(frame.Since))
}

func TestPositionKey(t *testing.T) {
	p := Position{
		ISIN:   "ES0171996087",
		Holder: "AQR CAPITAL MANAGEMENT, LLC",
		Weight: 1.57,
		Date:   time.Date(2024, 2, 21, 0, 0, 0, 0, timezone.Location),
	}
	require.Equal(t, Key{
		ISIN:   "ES0171996087",
		Holder: "AQR CAPITAL MANAGEMENT, LLC",
		Date:   "2024-02-21",
	}, p.Key())
}
