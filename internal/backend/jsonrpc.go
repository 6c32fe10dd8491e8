package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// JSONRPCBackend implements LogSource with plain HTTP JSON-RPC calls.
type JSONRPCBackend struct {
	rpcURL     string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewJSONRPCBackend creates a new JSON-RPC backend.
func NewJSONRPCBackend(rpcURL string, timeout time.Duration) *JSONRPCBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &JSONRPCBackend{
		rpcURL: rpcURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Type returns TypeJSONRPC.
func (j *JSONRPCBackend) Type() Type {
	return TypeJSONRPC
}

// Close is a no-op; the HTTP client keeps no session.
func (j *JSONRPCBackend) Close() error {
	return nil
}

// GetLogs calls eth_getLogs. A null or missing result means no logs.
func (j *JSONRPCBackend) GetLogs(ctx context.Context, filter LogFilter) ([]Log, error) {
	topics := make([]string, len(filter.Topics))
	for i, t := range filter.Topics {
		topics[i] = t.Hex()
	}
	from, to := filter.FromBlock, filter.ToBlock
	if from == "" {
		from = BlockLatest
	}
	if to == "" {
		to = BlockLatest
	}

	query := map[string]interface{}{
		"address":   filter.Address.Hex(),
		"topics":    topics,
		"fromBlock": from,
		"toBlock":   to,
	}
	result, err := j.call(ctx, "eth_getLogs", []interface{}{query})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var logs []Log
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("failed to parse logs: %w", err)
	}
	return logs, nil
}

// BlockNumber calls eth_blockNumber.
func (j *JSONRPCBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return j.quantity(ctx, "eth_blockNumber")
}

// ChainID calls eth_chainId.
func (j *JSONRPCBackend) ChainID(ctx context.Context) (uint64, error) {
	return j.quantity(ctx, "eth_chainId")
}

func (j *JSONRPCBackend) quantity(ctx context.Context, method string) (uint64, error) {
	result, err := j.call(ctx, method, []interface{}{})
	if err != nil {
		return 0, err
	}
	if len(result) == 0 || string(result) == "null" {
		return 0, fmt.Errorf("%w: %s returned no result", ErrRPC, method)
	}
	var value hexutil.Uint64
	if err := json.Unmarshal(result, &value); err != nil {
		return 0, fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return uint64(value), nil
}

func (j *JSONRPCBackend) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	id := j.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", j.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http status %d", ErrRPC, resp.StatusCode)
	}

	var response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if response.Error != nil {
		return nil, fmt.Errorf("%w %d: %s", ErrRPC, response.Error.Code, response.Error.Message)
	}

	return response.Result, nil
}

var _ LogSource = (*JSONRPCBackend)(nil)
