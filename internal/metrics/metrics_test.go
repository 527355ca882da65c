package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPost(t *testing.T) {
	before := testutil.ToFloat64(TransfersTotal.WithLabelValues("test", "WRITE"))
	bytesBefore := testutil.ToFloat64(BytesMoved.WithLabelValues("test", "WRITE"))

	RecordPost("test", "WRITE", 4096)

	assert.Equal(t, before+1, testutil.ToFloat64(TransfersTotal.WithLabelValues("test", "WRITE")))
	assert.Equal(t, bytesBefore+4096, testutil.ToFloat64(BytesMoved.WithLabelValues("test", "WRITE")))
}

func TestRecordFailure(t *testing.T) {
	before := testutil.ToFloat64(TransferFailures.WithLabelValues("test", "READ"))

	RecordFailure("test", "READ")

	assert.Equal(t, before+1, testutil.ToFloat64(TransferFailures.WithLabelValues("test", "READ")))
}

func TestGaugeMoves(t *testing.T) {
	g := ActiveHandles.WithLabelValues("test")

	base := testutil.ToFloat64(g)

	g.Inc()
	assert.Equal(t, base+1, testutil.ToFloat64(g))

	g.Dec()
	assert.Equal(t, base, testutil.ToFloat64(g))
}
