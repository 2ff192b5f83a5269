package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r)

	assert.NotNil(t, r.CodecOperationsTotal, "CodecOperationsTotal not initialized")
	assert.NotNil(t, r.CodecDuration, "CodecDuration not initialized")
	assert.NotNil(t, r.ExtractBER, "ExtractBER not initialized")
	assert.NotNil(t, r.LedgerAppendsTotal, "LedgerAppendsTotal not initialized")
	assert.NotNil(t, r.LedgerHeight, "LedgerHeight not initialized")
	assert.NotNil(t, r.BatchImagesTotal, "BatchImagesTotal not initialized")
	assert.NotNil(t, r.NodeRequestsTotal, "NodeRequestsTotal not initialized")
	assert.NotNil(t, r.GetPrometheusRegistry())
}

func TestDefaultRegistry(t *testing.T) {
	assert.Same(t, DefaultRegistry(), DefaultRegistry(), "DefaultRegistry should return the same instance")
}

func TestRecordCodecOperation(t *testing.T) {
	r := NewRegistry()

	r.RecordCodecOperation("embed", nil, 10*time.Millisecond)
	r.RecordCodecOperation("embed", nil, 20*time.Millisecond)
	r.RecordCodecOperation("embed", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.CodecOperationsTotal.WithLabelValues("embed", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.CodecOperationsTotal.WithLabelValues("embed", ResultFailure)))
	assert.Equal(t, 1, testutil.CollectAndCount(r.CodecDuration), "one op label series expected")
}

func TestRecordAppend(t *testing.T) {
	r := NewRegistry()

	r.SetLedgerHeight(1)
	r.RecordAppend("embedder", 2)
	r.RecordAppend("remover", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.LedgerAppendsTotal.WithLabelValues("embedder")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.LedgerHeight))
}

func TestRecordBatch(t *testing.T) {
	r := NewRegistry()
	r.RecordBatch("embed", 5, 2)

	expected := `
# HELP watermark_batch_images_total Total number of images processed by batches
# TYPE watermark_batch_images_total counter
watermark_batch_images_total{op="embed",status="failed"} 2
watermark_batch_images_total{op="embed",status="processed"} 5
`
	assert.NoError(t, testutil.CollectAndCompare(r.BatchImagesTotal, strings.NewReader(expected)))
}

func TestRecordNodeRequest(t *testing.T) {
	r := NewRegistry()
	r.RecordNodeRequest("append", nil)
	r.RecordNodeRequest("lookup", errors.New("not found"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.NodeRequestsTotal.WithLabelValues("append", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.NodeRequestsTotal.WithLabelValues("lookup", ResultFailure)))
}

func TestNilRegistry(t *testing.T) {
	var r *Registry

	assert.NotPanics(t, func() {
		r.RecordCodecOperation("embed", nil, time.Second)
		r.RecordExtractBER(0.1)
		r.RecordAppend("embedder", 1)
		r.SetLedgerHeight(1)
		r.RecordBatch("embed", 1, 0)
		r.RecordNodeRequest("append", nil)
	})
}
