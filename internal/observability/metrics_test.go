package observability

import (
	"testing"
	"time"

	"github.com/danmuck/rdpctl/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordHandshakeStep("engine.connect", true)
	RecordLoopIteration(2, 1)
	RecordWait("interrupted")
	RecordSessionResult("ok", time.Second)
	RecordPDU("in", "bitmap_update")
	RecordChannelBytes("cliprdr", "out", 16)
}
