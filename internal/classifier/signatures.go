package classifier

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// The four logical event signatures the classifier subscribes to.
var (
	// Transfer(address indexed from, address indexed to, uint256 value)
	TransferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// BridgeOperation(bytes32 indexed opId, bool indexed failed)
	BridgeEventSig = crypto.Keccak256Hash([]byte("BridgeOperation(bytes32,bool)"))

	// AnswerUpdated(int256 indexed current, uint256 indexed roundId, uint256 updatedAt)
	PriceUpdateEventSig = crypto.Keccak256Hash([]byte("AnswerUpdated(int256,uint256,uint256)"))

	// Swap(address indexed sender, uint256 amount0In, uint256 amount1In,
	// uint256 amount0Out, uint256 amount1Out, address indexed to)
	SwapEventSig = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
)

// SubscribedSignatures returns the topic-0 hashes the feed filters on.
func SubscribedSignatures() []common.Hash {
	return []common.Hash{TransferEventSig, BridgeEventSig, PriceUpdateEventSig, SwapEventSig}
}

// decodeTransferAmount parses the uint256 value from a Transfer log payload.
func decodeTransferAmount(data []byte) (*big.Int, error) {
	if len(data) == 0 || len(data) > 32 {
		return nil, fmt.Errorf("%w: transfer amount payload is %d bytes", ErrMalformedLog, len(data))
	}
	return new(big.Int).SetBytes(data), nil
}

// decodePrice parses an indexed int256 price topic into a 1e8-scaled value.
// Oracle prices are non-negative and well within int64 range; anything else
// is treated as a malformed record.
func decodePrice(topic common.Hash) (int64, error) {
	v := new(big.Int).SetBytes(topic.Bytes())
	if !v.IsInt64() || v.Int64() < 0 || v.Int64() > math.MaxInt64/10_000 {
		return 0, fmt.Errorf("%w: price out of range", ErrMalformedLog)
	}
	return v.Int64(), nil
}

// topicAddress extracts the address packed into an indexed topic.
func topicAddress(topic common.Hash) string {
	return common.BytesToAddress(topic.Bytes()).Hex()
}
