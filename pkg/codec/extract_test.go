package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

func TestExtractExactMatch(t *testing.T) {
	c := newTestCodec(t)
	out, tx := embedOrFail(t, c, gradientImage(64, 64), testKey, "hello", defaultParams())
	lookup := newMemoryLookup(true, tx)

	verdict, err := c.Extract(out, "png", lookup)
	require.NoError(t, err)
	assert.Equal(t, 0.0, verdict.BER)
	assert.True(t, verdict.Recognized)
	assert.True(t, verdict.ExactMatch)
	require.NotNil(t, verdict.Attribution)
	assert.Equal(t, uint64(1), verdict.Attribution.BlockNumber)
	assert.Equal(t, int32(0), lookup.searchCalls.Load(), "fast path must not run the blind search")
}

func TestExtractBlindSearch(t *testing.T) {
	c := newTestCodec(t)
	out, tx := embedOrFail(t, c, gradientImage(256, 256), testKey, "hello", defaultParams())
	lookup := newMemoryLookup(false, tx)

	verdict, err := c.Extract(out, "png", lookup)
	require.NoError(t, err)
	assert.Equal(t, 0.0, verdict.BER, "replaying the right key should recover every slot")
	assert.True(t, verdict.Recognized)
	assert.False(t, verdict.ExactMatch)
	require.NotNil(t, verdict.Attribution)
	assert.Equal(t, tx.HashImageWat, verdict.Attribution.ImageHash)
	assert.Equal(t, int32(1), lookup.searchCalls.Load())
}

func TestExtractPicksMatchingCandidate(t *testing.T) {
	c := newTestCodec(t)
	src := gradientImage(256, 256)
	_, decoy := embedOrFail(t, c, src, keyFor("decoy"), "hello", defaultParams())
	out, tx := embedOrFail(t, c, src, testKey, "hello", defaultParams())
	lookup := newMemoryLookup(false, decoy, tx)

	verdict, err := c.Extract(out, "", lookup)
	require.NoError(t, err)
	require.True(t, verdict.Recognized)
	assert.Equal(t, uint64(2), verdict.Attribution.BlockNumber, "should attribute to the real embedding")
}

func TestExtractUnrecognized(t *testing.T) {
	c := newTestCodec(t)
	src := gradientImage(256, 256)
	_, tx := embedOrFail(t, c, src, testKey, "hello", defaultParams())

	verdict, err := c.Extract(src, "png", newMemoryLookup(false, tx))
	require.NoError(t, err)
	assert.False(t, verdict.Recognized)
	assert.Equal(t, model.UnrecognizedBER, verdict.BER)
	assert.Nil(t, verdict.Attribution)
}

func TestExtractFiltersDataType(t *testing.T) {
	c := newTestCodec(t)
	out, tx := embedOrFail(t, c, gradientImage(256, 256), testKey, "hello", defaultParams())

	verdict, err := c.Extract(out, "tiff", newMemoryLookup(false, tx))
	require.NoError(t, err)
	assert.False(t, verdict.Recognized, "png embeddings are not candidates for tiff probes")
}

func TestExtractEmptyLedger(t *testing.T) {
	c := newTestCodec(t)

	verdict, err := c.Extract(gradientImage(32, 32), "png", newMemoryLookup(true))
	require.NoError(t, err)
	assert.Equal(t, model.Unrecognized(), verdict)
}

func TestExtractSkipsBrokenCandidates(t *testing.T) {
	c := newTestCodec(t)
	out, tx := embedOrFail(t, c, gradientImage(256, 256), testKey, "hello", defaultParams())

	broken := *tx
	broken.SecretKey = "not-a-key"
	verdict, err := c.Extract(out, "png", newMemoryLookup(false, &broken, tx))
	require.NoError(t, err)
	assert.True(t, verdict.Recognized)
	assert.Equal(t, uint64(2), verdict.Attribution.BlockNumber)
}

func TestExtractLookupFailure(t *testing.T) {
	c := newTestCodec(t)
	lookup := newMemoryLookup(true)
	lookup.err = errors.New("store offline")

	_, err := c.Extract(gradientImage(32, 32), "png", lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store offline")
}
