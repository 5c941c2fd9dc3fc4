package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// The resolver touches three contracts on the source chain: the Fusion
// factory (escrow lifecycle), the resolver registry (safety deposit
// quotes) and the order's ERC-20 source token.
const (
	factoryABIJSON = `[
		{"type":"function","name":"matchFusionOrder","stateMutability":"payable","inputs":[{"name":"orderHash","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"completeFusionOrder","stateMutability":"nonpayable","inputs":[{"name":"orderHash","type":"bytes32"},{"name":"secret","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"sourceEscrows","stateMutability":"view","inputs":[{"name":"orderHash","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
		{"type":"event","name":"SecretRevealed","anonymous":false,"inputs":[{"name":"orderHash","type":"bytes32","indexed":true},{"name":"secret","type":"bytes32","indexed":false}]}
	]`

	registryABIJSON = `[
		{"type":"function","name":"calculateMinSafetyDeposit","stateMutability":"view","inputs":[{"name":"chainId","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	erc20ABIJSON = `[
		{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`
)

var (
	factoryABI  = mustABI(factoryABIJSON)
	registryABI = mustABI(registryABIJSON)
	erc20ABI    = mustABI(erc20ABIJSON)

	// SecretRevealedTopic identifies reveal logs emitted by the factory.
	SecretRevealedTopic = factoryABI.Events["SecretRevealed"].ID
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("evm: bad abi: %v", err))
	}
	return parsed
}

// UnpackSecretRevealed extracts the order hash and secret from a
// factory SecretRevealed log.
func UnpackSecretRevealed(lg gethtypes.Log) (types.Hash, types.Secret, error) {
	if len(lg.Topics) != 2 || lg.Topics[0] != SecretRevealedTopic {
		return types.Hash{}, types.Secret{}, fmt.Errorf("%w: log is not a secret reveal", swap.ErrValidation)
	}
	var orderHash types.Hash
	copy(orderHash[:], lg.Topics[1].Bytes())

	vals, err := factoryABI.Events["SecretRevealed"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return types.Hash{}, types.Secret{}, fmt.Errorf("%w: reveal log data: %v", swap.ErrValidation, err)
	}
	raw, ok := vals[0].([32]byte)
	if !ok {
		return types.Hash{}, types.Secret{}, fmt.Errorf("%w: reveal log carries no secret", swap.ErrValidation)
	}
	return orderHash, types.Secret(raw), nil
}
