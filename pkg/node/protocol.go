package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/model"
)

// Request operations
const (
	OpAppend     = "append"
	OpLookup     = "lookup"
	OpCandidates = "candidates"
	OpVerify     = "verify"
	OpBlock      = "block"
	OpHeight     = "height"
)

// Request is one JSON frame sent to the daemon
type Request struct {
	Op          string          `json:"op"`
	Hash        string          `json:"hash,omitempty"`
	DataType    string          `json:"data_type,omitempty"`
	Number      uint64          `json:"number,omitempty"`
	Info        model.Info      `json:"info,omitempty"`
	Transaction json.RawMessage `json:"transaction,omitempty"`
}

// Response is the daemon's answer to a Request
type Response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Block   *model.Block    `json:"block,omitempty"`
	Record  *model.Record   `json:"record,omitempty"`
	Records []*model.Record `json:"records,omitempty"`
	Valid   bool            `json:"valid,omitempty"`
	Height  int             `json:"height,omitempty"`
}

// Error codes carried across the wire
const (
	CodeInvalidKey        = "invalid_key"
	CodeUnsupportedFormat = "unsupported_format"
	CodeNoCapacity        = "no_capacity"
	CodeInvalidParameters = "invalid_parameters"
	CodeChainCorruption   = "chain_corruption"
	CodeNotFound          = "not_found"
	CodeInvariant         = "invariant"
	CodeInternal          = "internal"
)

var sentinels = []struct {
	code string
	err  error
}{
	{CodeInvalidKey, model.ErrInvalidKey},
	{CodeUnsupportedFormat, model.ErrUnsupportedFormat},
	{CodeNoCapacity, model.ErrNoCapacity},
	{CodeInvalidParameters, model.ErrInvalidParameters},
	{CodeChainCorruption, model.ErrChainCorruption},
	{CodeNotFound, model.ErrNotFound},
	{CodeInvariant, model.ErrInvariant},
}

// errorCode returns the wire code for err
func errorCode(err error) string {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return CodeInternal
}

// decodeError rebuilds an error from a failed response so that errors.Is
// matches the original sentinel
func decodeError(resp *Response) error {
	for _, s := range sentinels {
		if s.code == resp.Code {
			return fmt.Errorf("%w (remote: %s)", s.err, resp.Error)
		}
	}
	return fmt.Errorf("ledger daemon: %s", resp.Error)
}

func failure(err error) *Response {
	return &Response{Error: err.Error(), Code: errorCode(err)}
}
