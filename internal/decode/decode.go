// Package decode implements the log-decoding rules for the two events the
// tracker understands: BRC20Created (ticker registration) and Transfer
// (balance change). Both rules are fixed by the protocol, not discovered
// from an ABI at runtime, so this package hardcodes the event signatures
// and the controller address rather than building a generic dispatch
// table for an arbitrary event set.
package decode

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Controller is the distinguished contract address that emits
// BRC20Created when a new ticker's sub-contract is deployed.
const Controller = "0xc54dd4581af2dbf18e4d90840226756e9d2b3cdb"

// Event signature hashes, computed once at init time.
var (
	BRC20CreatedSignature = crypto.Keccak256Hash([]byte("BRC20Created(bytes,address)"))
	TransferSignature     = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// ZeroAddress is the sentinel "no address" used to mark mint (from) and
// burn (to) in Transfer events.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Log is the minimal view of an eth_getLogs entry the decoder needs.
type Log struct {
	Address          string
	Topics           []string
	Data             []byte
	TransactionIndex uint64
	LogIndex         uint64
}

// Kind identifies which protocol event a Log decoded to.
type Kind int

const (
	// KindIgnored marks a log this protocol has no interest in.
	KindIgnored Kind = iota
	KindTickerCreated
	KindTransfer
)

// TickerCreated holds the fields extracted from a BRC20Created log.
type TickerCreated struct {
	TickerHash      string
	ContractAddress string
}

// Transfer holds the fields extracted from a Transfer log, before the
// 32-byte data word has been turned into a bounds-checked Amount (that
// conversion lives in package amount, since it can fail).
type Transfer struct {
	ContractAddress string
	From            string
	To              string
	Data            [32]byte
}

// Decoded is the result of classifying a single log.
type Decoded struct {
	Kind          Kind
	TickerCreated TickerCreated
	Transfer      Transfer
}

// Decode decodes a single log entry per the protocol's fixed dispatch rule:
// the controller address emits ticker-registration events, every other
// contract's Transfer events are balance changes for a ticker already
// registered through the controller.
func Decode(l Log) Decoded {
	address := strings.ToLower(l.Address)
	if len(l.Topics) == 0 {
		return Decoded{Kind: KindIgnored}
	}
	topic0 := strings.ToLower(l.Topics[0])

	if address == Controller && topic0 == strings.ToLower(BRC20CreatedSignature.Hex()) {
		if len(l.Topics) < 3 {
			return Decoded{Kind: KindIgnored}
		}
		return Decoded{
			Kind: KindTickerCreated,
			TickerCreated: TickerCreated{
				TickerHash:      strings.ToLower(l.Topics[1]),
				ContractAddress: addressFromTopic(l.Topics[2]),
			},
		}
	}

	if address != Controller && topic0 == strings.ToLower(TransferSignature.Hex()) {
		if len(l.Topics) < 3 {
			return Decoded{Kind: KindIgnored}
		}
		var data [32]byte
		copy(data[:], rightPad32(l.Data))
		return Decoded{
			Kind: KindTransfer,
			Transfer: Transfer{
				ContractAddress: address,
				From:            addressFromTopic(l.Topics[1]),
				To:              addressFromTopic(l.Topics[2]),
				Data:            data,
			},
		}
	}

	return Decoded{Kind: KindIgnored}
}

// addressFromTopic extracts the last 20 bytes of a 32-byte indexed topic
// (the way Solidity packs an `address` into a topic word) and returns it
// as a canonical lowercase hex string.
func addressFromTopic(topic string) string {
	h := common.HexToHash(topic)
	return strings.ToLower(common.BytesToAddress(h.Bytes()).Hex())
}

// rightPad32 returns b, right-padded with zero bytes to 32 bytes if
// shorter. eth_getLogs data is already word-aligned in practice, but this
// guards against a short read being silently misinterpreted.
func rightPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[:32]
	}
	out := make([]byte, 32)
	copy(out, b)
	return out
}
