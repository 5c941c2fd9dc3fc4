package evm

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

func revealLog(t *testing.T, orderHash types.Hash, secret types.Secret) gethtypes.Log {
	t.Helper()
	data, err := factoryABI.Events["SecretRevealed"].Inputs.NonIndexed().Pack([32]byte(secret))
	if err != nil {
		t.Fatalf("pack reveal data: %v", err)
	}
	return gethtypes.Log{
		Address: testFactory,
		Topics:  []common.Hash{SecretRevealedTopic, common.Hash(orderHash)},
		Data:    data,
	}
}

func TestUnpackSecretRevealed(t *testing.T) {
	var secret types.Secret
	secret[31] = 0x99
	orderHash := types.Hash{0xAB}

	gotHash, gotSecret, err := UnpackSecretRevealed(revealLog(t, orderHash, secret))
	if err != nil {
		t.Fatalf("UnpackSecretRevealed: %v", err)
	}
	if gotHash != orderHash {
		t.Errorf("order hash %s, want %s", gotHash, orderHash)
	}
	if gotSecret != secret {
		t.Errorf("secret %s, want %s", gotSecret, secret)
	}
}

func TestUnpackSecretRevealed_RejectsForeignLogs(t *testing.T) {
	var secret types.Secret
	secret[31] = 0x99

	wrongTopic := revealLog(t, types.Hash{1}, secret)
	wrongTopic.Topics[0] = common.Hash{0xFF}
	if _, _, err := UnpackSecretRevealed(wrongTopic); !errors.Is(err, swap.ErrValidation) {
		t.Errorf("wrong topic: got %v, want validation error", err)
	}

	short := revealLog(t, types.Hash{1}, secret)
	short.Topics = short.Topics[:1]
	if _, _, err := UnpackSecretRevealed(short); !errors.Is(err, swap.ErrValidation) {
		t.Errorf("missing topic: got %v, want validation error", err)
	}
}

func TestSecretRevealedTopic_IsStable(t *testing.T) {
	if SecretRevealedTopic == (common.Hash{}) {
		t.Fatal("topic hash is zero")
	}
	if got := factoryABI.Events["SecretRevealed"].Sig; got != "SecretRevealed(bytes32,bytes32)" {
		t.Errorf("event signature %q, want SecretRevealed(bytes32,bytes32)", got)
	}
}
