package node

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/ledger"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/metrics"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/network"
)

// MockNetwork runs a node on a loopback port and exposes a raw sender for
// hand-crafted frames
type MockNetwork struct {
	node    *Node
	store   *ledger.MemoryStore
	sender  *network.Sender
	metrics *metrics.Registry
}

func testClock() func() time.Time {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts = ts.Add(time.Second)
		return ts
	}
}

// NewMockNetwork starts a node backed by an in-memory ledger store
func NewMockNetwork(t *testing.T, opts ...Option) *MockNetwork {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := ledger.NewMemoryStore()
	l, err := ledger.New(store, ledger.WithLogger(logger), ledger.WithClock(testClock()))
	require.NoError(t, err)

	registry := metrics.NewRegistry()
	opts = append([]Option{WithLogger(logger), WithMetrics(registry)}, opts...)
	n := New("127.0.0.1:0", l, opts...)
	require.NoError(t, n.Start(), "Node should start successfully")

	mn := &MockNetwork{
		node:    n,
		store:   store,
		sender:  network.NewSender(),
		metrics: registry,
	}
	t.Cleanup(func() { mn.Close() })
	return mn
}

// GetAddress returns the node's bound address
func (mn *MockNetwork) GetAddress() string {
	return mn.node.Addr()
}

// Raw sends data as-is and decodes the response
func (mn *MockNetwork) Raw(t *testing.T, data []byte) *Response {
	t.Helper()
	raw, err := mn.sender.Request(mn.GetAddress(), data)
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

// Close closes all network components
func (mn *MockNetwork) Close() error {
	mn.node.Stop()
	return mn.sender.Close()
}

func embedBatch(dataType string, hashes ...string) *model.BatchEmbedTransaction {
	batch := &model.BatchEmbedTransaction{
		BatchID:         "batch-" + dataType,
		ProcessingTime:  0.5,
		TotalImages:     len(hashes),
		ProcessedImages: len(hashes),
		FailedImages:    []string{},
		TransactionDict: make(map[string]*model.EmbedderTransaction),
	}
	key := strings.Repeat("cd", 32)
	for _, h := range hashes {
		batch.TransactionDict[h] = &model.EmbedderTransaction{
			Timestamp:     time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
			SecretKey:     key,
			Message:       "hello",
			Watermark:     model.Fingerprint("hello", key),
			Kernel:        model.DefaultKernel(),
			Stride:        3,
			HashImageWat:  h,
			HashImageOrig: strings.Repeat("0", 64),
			BitDepth:      8,
			DataType:      dataType,
			OperationType: model.OperationEmbedding,
		}
	}
	return batch
}
