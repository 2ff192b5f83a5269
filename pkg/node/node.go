package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/ledger"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/metrics"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/network"
)

// Node is the ledger daemon. It is the single owner of a Ledger and
// serializes appends submitted by any number of remote clients.
type Node struct {
	address string
	ledger  *ledger.Ledger

	// Components
	receiver *network.Receiver
	logger   *zap.Logger
	metrics  *metrics.Registry

	// Periodic chain check, disabled when zero
	checkInterval time.Duration

	// Synchronization
	wg   sync.WaitGroup
	ctx  context.Context
	stop context.CancelFunc

	// Node metrics
	running        bool
	mu             sync.RWMutex
	appendedBlocks uint64
}

// Option configures a Node
type Option func(*Node)

// WithLogger sets the node logger
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithMetrics sets the metrics registry
func WithMetrics(registry *metrics.Registry) Option {
	return func(n *Node) { n.metrics = registry }
}

// WithCheckInterval enables a background chain verification every d
func WithCheckInterval(d time.Duration) Option {
	return func(n *Node) { n.checkInterval = d }
}

// New creates a node serving l on address
func New(address string, l *ledger.Ledger, opts ...Option) *Node {
	n := &Node{
		address: address,
		ledger:  l,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Start starts the receiver and the background checker
func (n *Node) Start() error {
	// Check if already running
	if n.IsRunning() {
		return fmt.Errorf("node at %s is already running", n.address)
	}

	n.logger.Info("Starting ledger node",
		zap.String("address", n.address),
		zap.Int("height", n.ledger.Height()))

	if err := n.ledger.Check(); err != nil {
		return fmt.Errorf("refusing to serve a corrupted ledger: %w", err)
	}

	n.ctx, n.stop = context.WithCancel(context.Background())
	n.receiver = network.NewReceiver(n.address, n, n.logger.Named("network"))
	if err := n.receiver.Start(); err != nil {
		n.stop()
		return fmt.Errorf("failed to start receiver: %w", err)
	}

	if n.checkInterval > 0 {
		n.wg.Add(1)
		go n.checkLoop()
	}

	n.SetRunning(true)
	return nil
}

// Stop stops the node. Stopping a stopped node is a no-op.
func (n *Node) Stop() {
	if !n.IsRunning() {
		return
	}
	n.logger.Info("Stopping ledger node", zap.String("address", n.address))

	n.stop()
	if err := n.receiver.Stop(); err != nil {
		n.logger.Warn("Failed to stop receiver", zap.Error(err))
	}
	n.wg.Wait()

	n.SetRunning(false)
}

// Addr returns the bound listen address, useful when listening on port 0
func (n *Node) Addr() string {
	if n.receiver == nil || n.receiver.Addr() == nil {
		return n.address
	}
	return n.receiver.Addr().String()
}

// SetRunning sets the running state of the node
func (n *Node) SetRunning(running bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.running = running
}

// IsRunning returns whether the node is currently running
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// GetAppendedBlocks returns the number of blocks appended through this node
func (n *Node) GetAppendedBlocks() uint64 {
	return atomic.LoadUint64(&n.appendedBlocks)
}

// GetLedger returns the ledger served by the node
func (n *Node) GetLedger() *ledger.Ledger {
	return n.ledger
}

func (n *Node) checkLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.ledger.Check(); err != nil {
				n.logger.Error("Periodic chain check failed", zap.Error(err))
			}
		case <-n.ctx.Done():
			return
		}
	}
}

// HandleRequest implements network.RequestHandler. Ledger failures are
// reported inside the response; only an unencodable response is an error.
func (n *Node) HandleRequest(data []byte) ([]byte, error) {
	var req Request
	var resp *Response
	if err := json.Unmarshal(data, &req); err != nil {
		resp = failure(fmt.Errorf("%w: malformed request: %v", model.ErrInvalidParameters, err))
	} else {
		resp = n.dispatch(&req)
	}

	var err error
	if !resp.OK {
		err = fmt.Errorf("%s", resp.Error)
		n.logger.Debug("Request failed",
			zap.String("op", req.Op),
			zap.String("code", resp.Code),
			zap.String("error", resp.Error))
	}
	n.metrics.RecordNodeRequest(req.Op, err)

	return json.Marshal(resp)
}

func (n *Node) dispatch(req *Request) *Response {
	switch req.Op {
	case OpAppend:
		tx, err := model.DecodePayload(req.Info, req.Transaction)
		if err != nil {
			return failure(fmt.Errorf("%w: %v", model.ErrInvalidParameters, err))
		}
		b, err := n.ledger.Append(tx)
		if err != nil {
			n.logger.Warn("Append rejected", zap.String("info", string(req.Info)), zap.Error(err))
			return failure(err)
		}
		atomic.AddUint64(&n.appendedBlocks, 1)
		return &Response{OK: true, Block: b}

	case OpLookup:
		rec, err := n.ledger.LookupByContentHash(req.Hash)
		if err != nil {
			return failure(err)
		}
		return &Response{OK: true, Record: rec}

	case OpCandidates:
		recs, err := n.ledger.EmbedderRecords(req.DataType)
		if err != nil {
			return failure(err)
		}
		return &Response{OK: true, Records: recs}

	case OpVerify:
		if err := n.ledger.Check(); err != nil {
			return &Response{OK: true, Valid: false, Error: err.Error(), Code: errorCode(err)}
		}
		return &Response{OK: true, Valid: true}

	case OpBlock:
		b, err := n.ledger.Block(req.Number)
		if err != nil {
			return failure(err)
		}
		return &Response{OK: true, Block: b}

	case OpHeight:
		return &Response{OK: true, Height: n.ledger.Height()}

	default:
		return failure(fmt.Errorf("%w: unknown op %q", model.ErrInvalidParameters, req.Op))
	}
}
