package rpcclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/decode"
)

// Block is the subset of eth_getBlockByNumber's result this tracker needs.
type Block struct {
	Number uint64
	Hash   string
}

type blockJSON struct {
	Number string `json:"number"`
	Hash   string `json:"hash"`
}

// BlockByNumber fetches a block by height (without full transaction
// bodies — the tracker only needs the header's hash).
func (c *Client) BlockByNumber(ctx context.Context, height uint64) (Block, error) {
	var raw blockJSON
	err := c.Call(ctx, "eth_getBlockByNumber", []interface{}{hexutil.EncodeUint64(height), false}, &raw)
	if err != nil {
		return Block{}, err
	}
	n, err := hexutil.DecodeUint64(raw.Number)
	if err != nil {
		return Block{}, fmt.Errorf("rpcclient: decoding block number %q: %w", raw.Number, err)
	}
	return Block{Number: n, Hash: strings.ToLower(raw.Hash)}, nil
}

// BlockNumber returns the current chain tip height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var raw string
	if err := c.Call(ctx, "eth_blockNumber", []interface{}{}, &raw); err != nil {
		return 0, err
	}
	n, err := hexutil.DecodeUint64(raw)
	if err != nil {
		return 0, fmt.Errorf("rpcclient: decoding block number %q: %w", raw, err)
	}
	return n, nil
}

type logJSON struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	TransactionIndex string   `json:"transactionIndex"`
	LogIndex         string   `json:"logIndex"`
	TransactionHash  string   `json:"transactionHash"`
}

// GetLogs fetches logs in the inclusive block range [fromBlock, toBlock].
func (c *Client) GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]decode.Log, error) {
	params := map[string]interface{}{
		"fromBlock": hexutil.EncodeUint64(fromBlock),
		"toBlock":   hexutil.EncodeUint64(toBlock),
	}

	var raw []logJSON
	if err := c.Call(ctx, "eth_getLogs", []interface{}{params}, &raw); err != nil {
		return nil, err
	}

	logs := make([]decode.Log, 0, len(raw))
	for _, l := range raw {
		data, err := hexutil.Decode(l.Data)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: decoding log data %q: %w", l.Data, err)
		}
		txIndex, err := hexutil.DecodeUint64(l.TransactionIndex)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: decoding transactionIndex %q: %w", l.TransactionIndex, err)
		}
		logIndex, err := hexutil.DecodeUint64(l.LogIndex)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: decoding logIndex %q: %w", l.LogIndex, err)
		}
		logs = append(logs, decode.Log{
			Address:          l.Address,
			Topics:           l.Topics,
			Data:             data,
			TransactionIndex: txIndex,
			LogIndex:         logIndex,
		})
	}
	return logs, nil
}

// erc20ABI covers just the two read-only getters this protocol calls:
// name() on a newly registered ticker's contract, and balanceOf(address)
// for auditing.
var erc20ABI = mustParseABI(`[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("rpcclient: invalid embedded ABI: %v", err))
	}
	return a
}

// Name calls the ERC-20 name() getter on the given contract address.
func (c *Client) Name(ctx context.Context, contractAddress string) (string, error) {
	data, err := erc20ABI.Pack("name")
	if err != nil {
		return "", fmt.Errorf("rpcclient: packing name() call: %w", err)
	}

	result, err := c.ethCall(ctx, contractAddress, data)
	if err != nil {
		return "", err
	}

	outs, err := erc20ABI.Unpack("name", result)
	if err != nil {
		return "", fmt.Errorf("rpcclient: unpacking name() result: %w", err)
	}
	if len(outs) != 1 {
		return "", fmt.Errorf("rpcclient: name() returned %d values, want 1", len(outs))
	}
	name, ok := outs[0].(string)
	if !ok {
		return "", fmt.Errorf("rpcclient: name() returned non-string value")
	}
	return name, nil
}

// BalanceOf calls the ERC-20 balanceOf(address) getter on the given
// contract address and returns the raw 32-byte big-endian return word,
// leaving the 128-bit bounds check to package amount.
func (c *Client) BalanceOf(ctx context.Context, contractAddress, wallet string) ([32]byte, error) {
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(wallet))
	if err != nil {
		return [32]byte{}, fmt.Errorf("rpcclient: packing balanceOf() call: %w", err)
	}

	result, err := c.ethCall(ctx, contractAddress, data)
	if err != nil {
		return [32]byte{}, err
	}

	var word [32]byte
	if len(result) != 32 {
		return [32]byte{}, fmt.Errorf("rpcclient: balanceOf() returned %d bytes, want 32", len(result))
	}
	copy(word[:], result)
	return word, nil
}

type callResult string

func (c *Client) ethCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	params := map[string]interface{}{
		"to":   to,
		"data": hexutil.Encode(data),
	}

	var raw callResult
	if err := c.Call(ctx, "eth_call", []interface{}{params, "latest"}, &raw); err != nil {
		return nil, err
	}
	return hexutil.Decode(string(raw))
}
