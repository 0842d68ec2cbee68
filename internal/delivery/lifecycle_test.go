package delivery

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/retry"
	logx "courier/pkg/logx"
)

func TestDoubleScheduleIsReportedAndReplaced(t *testing.T) {
	var buf bytes.Buffer
	conn := newFakeConn(nil)
	l := &lifecycle{
		conn:    conn,
		periods: retry.Periods{Default: time.Hour},
		log:     logx.NewWriter(&buf, "debug"),
	}
	defer l.stop()

	l.retryWith(retry.AfterDefaultPeriod)
	require.True(t, l.timer.Pending())
	require.NotContains(t, buf.String(), "another was pending")

	l.retryWith(retry.AfterDefaultPeriod)
	require.True(t, l.timer.Pending())
	require.Contains(t, buf.String(), "another was pending")

	// Only the replacement runs.
	require.True(t, l.retryNow())
	require.Equal(t, 1, conn.Starts())
	require.False(t, l.timer.Pending())
}
