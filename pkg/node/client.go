package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/network"
)

// Client talks to a ledger daemon. It offers the same lookup, append and
// check operations as a local ledger.
type Client struct {
	address string
	sender  *network.Sender
	logger  *zap.Logger
}

// NewClient returns a client for the daemon at address
func NewClient(address string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		address: address,
		sender:  network.NewSender(),
		logger:  logger,
	}
}

// call sends req and decodes the response. Reads may be resent over a
// fresh connection; appends are written at most once.
func (c *Client) call(req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Op, err)
	}
	send := c.sender.Request
	if req.Op == OpAppend {
		send = c.sender.RequestOnce
	}
	raw, err := send(c.address, data)
	if err != nil {
		return nil, fmt.Errorf("ledger daemon %s: %w", c.address, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", req.Op, err)
	}
	if !resp.OK {
		return nil, decodeError(&resp)
	}
	return &resp, nil
}

// Append submits tx to the daemon and returns the sealed block
func (c *Client) Append(tx model.Payload) (*model.Block, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil payload", model.ErrInvalidParameters)
	}
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	resp, err := c.call(&Request{Op: OpAppend, Info: tx.Info(), Transaction: raw})
	if err != nil {
		return nil, err
	}
	if resp.Block == nil {
		return nil, errors.New("ledger daemon returned no block")
	}
	c.logger.Debug("Remote append", zap.Uint64("block_number", resp.Block.Number()))
	return resp.Block, nil
}

// LookupByContentHash returns the latest embedding whose watermarked hash is hash
func (c *Client) LookupByContentHash(hash string) (*model.Record, error) {
	resp, err := c.call(&Request{Op: OpLookup, Hash: hash})
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// EmbedderRecords returns every embedding transaction for dataType
func (c *Client) EmbedderRecords(dataType string) ([]*model.Record, error) {
	resp, err := c.call(&Request{Op: OpCandidates, DataType: dataType})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Check asks the daemon to verify its chain
func (c *Client) Check() error {
	resp, err := c.call(&Request{Op: OpVerify})
	if err != nil {
		return err
	}
	if !resp.Valid {
		return decodeError(resp)
	}
	return nil
}

// Verify reports whether the remote chain verifies
func (c *Client) Verify() bool {
	err := c.Check()
	if err != nil {
		c.logger.Warn("Remote chain verification failed", zap.Error(err))
	}
	return err == nil
}

// Block fetches block n
func (c *Client) Block(n uint64) (*model.Block, error) {
	resp, err := c.call(&Request{Op: OpBlock, Number: n})
	if err != nil {
		return nil, err
	}
	return resp.Block, nil
}

// Height returns the remote chain height
func (c *Client) Height() (int, error) {
	resp, err := c.call(&Request{Op: OpHeight})
	if err != nil {
		return 0, err
	}
	return resp.Height, nil
}

// Close releases pooled connections
func (c *Client) Close() error {
	return c.sender.Close()
}
