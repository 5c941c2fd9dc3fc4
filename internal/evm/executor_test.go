package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

var (
	testFactory  = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	testRegistry = common.HexToAddress("0x00000000000000000000000000000000000000F2")
	testToken    = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	testEscrow   = common.HexToAddress("0x00000000000000000000000000000000000000AA")
)

// fakeBackend answers contract reads from in-memory maps and mines
// submitted transactions immediately unless told not to.
type fakeBackend struct {
	mu          sync.Mutex
	chainID     *big.Int
	height      uint64
	nonce       uint64
	gasPrice    *big.Int
	estimate    uint64
	estimateErr error
	callErr     error
	sendErr     error
	noMine      bool
	revertNext  bool

	deposit   *big.Int
	escrows   map[[32]byte]common.Address
	tokenBals map[common.Address]*big.Int
	balances  map[common.Address]*big.Int

	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:   big.NewInt(31337),
		height:    100,
		nonce:     5,
		gasPrice:  big.NewInt(2_000_000_000),
		estimate:  80_000,
		deposit:   big.NewInt(1_000_000_000_000_000),
		escrows:   make(map[[32]byte]common.Address),
		tokenBals: make(map[common.Address]*big.Int),
		balances:  make(map[common.Address]*big.Int),
		receipts:  make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bal, ok := f.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	sel := msg.Data[:4]
	switch {
	case bytes.Equal(sel, factoryABI.Methods["sourceEscrows"].ID):
		args, err := factoryABI.Methods["sourceEscrows"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		hash := args[0].([32]byte)
		return factoryABI.Methods["sourceEscrows"].Outputs.Pack(f.escrows[hash])
	case bytes.Equal(sel, registryABI.Methods["calculateMinSafetyDeposit"].ID):
		return registryABI.Methods["calculateMinSafetyDeposit"].Outputs.Pack(f.deposit)
	case bytes.Equal(sel, erc20ABI.Methods["balanceOf"].ID):
		args, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		owner := args[0].(common.Address)
		bal, ok := f.tokenBals[owner]
		if !ok {
			bal = new(big.Int)
		}
		return erc20ABI.Methods["balanceOf"].Outputs.Pack(bal)
	}
	return nil, fmt.Errorf("unexpected call selector %x", sel)
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		if strings.Contains(err.Error(), "already known") && !f.noMine {
			f.mineLocked(tx)
		}
		return err
	}
	f.sent = append(f.sent, tx)
	f.nonce = tx.Nonce() + 1
	if !f.noMine {
		f.mineLocked(tx)
	}
	return nil
}

func (f *fakeBackend) mineLocked(tx *gethtypes.Transaction) {
	status := gethtypes.ReceiptStatusSuccessful
	if f.revertNext {
		status = gethtypes.ReceiptStatusFailed
		f.revertNext = false
	}
	f.height++
	f.receipts[tx.Hash()] = &gethtypes.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.height),
		GasUsed:     60_000,
	}
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}

func newTestExecutor(t *testing.T, f *fakeBackend) *Executor {
	t.Helper()
	key, err := crypto.HexToECDSA(strings.Repeat("22", 32))
	if err != nil {
		t.Fatalf("test key: %v", err)
	}
	exec, err := NewExecutor(f, key, Config{
		ChainID:        31337,
		Factory:        testFactory,
		Registry:       testRegistry,
		ReceiptTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return exec
}

func testOrderContext(t *testing.T, tag byte) (*order.Context, types.Secret) {
	t.Helper()
	var secret types.Secret
	secret[31] = tag
	o := &order.Order{
		OrderHash:  types.Hash{tag},
		SrcChainID: 31337,
		DstChainID: 1000,
		Maker:      "0x00a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9",
		SrcToken:   testToken.Hex(),
		DstToken:   "untrn",
		SrcAmount:  big.NewInt(5_000_000),
		DstAmount:  big.NewInt(4_900_000),
		Hashlock:   swap.HashSecret(secret),
		ExpiryTime: time.Now().Add(time.Hour).Unix(),
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("test order invalid: %v", err)
	}
	return order.NewContext(o), secret
}

func TestNewExecutor_Validation(t *testing.T) {
	key, _ := crypto.HexToECDSA(strings.Repeat("22", 32))
	base := Config{ChainID: 31337, Factory: testFactory, Registry: testRegistry}

	if _, err := NewExecutor(nil, key, base); !errors.Is(err, swap.ErrValidation) {
		t.Errorf("nil backend: got %v, want validation error", err)
	}
	if _, err := NewExecutor(newFakeBackend(), nil, base); !errors.Is(err, swap.ErrValidation) {
		t.Errorf("nil key: got %v, want validation error", err)
	}
	for name, cfg := range map[string]Config{
		"zero chain":    {Factory: testFactory, Registry: testRegistry},
		"zero factory":  {ChainID: 31337, Registry: testRegistry},
		"zero registry": {ChainID: 31337, Factory: testFactory},
	} {
		if _, err := NewExecutor(newFakeBackend(), key, cfg); !errors.Is(err, swap.ErrValidation) {
			t.Errorf("%s: got %v, want validation error", name, err)
		}
	}
}

func TestMatchOrder_SubmitsWithDeposit(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 1)

	txHash, err := exec.MatchOrder(context.Background(), octx)
	if err != nil {
		t.Fatalf("MatchOrder: %v", err)
	}
	if txHash == "" {
		t.Fatal("expected a tx hash")
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(f.sent))
	}
	tx := f.sent[0]
	if tx.To() == nil || *tx.To() != testFactory {
		t.Errorf("tx to %v, want factory %s", tx.To(), testFactory)
	}
	if tx.Value().Cmp(f.deposit) != 0 {
		t.Errorf("tx value %s, want safety deposit %s", tx.Value(), f.deposit)
	}
	if tx.Nonce() != 5 {
		t.Errorf("tx nonce %d, want 5", tx.Nonce())
	}
	if got, want := tx.Gas(), uint64(80_000*120/100); got != want {
		t.Errorf("tx gas %d, want buffered estimate %d", got, want)
	}
	if txHash != tx.Hash().Hex() {
		t.Errorf("returned hash %s, sent tx hash %s", txHash, tx.Hash().Hex())
	}

	method := factoryABI.Methods["matchFusionOrder"]
	if !bytes.Equal(tx.Data()[:4], method.ID) {
		t.Fatalf("calldata selector %x, want matchFusionOrder", tx.Data()[:4])
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	if got := args[0].([32]byte); got != [32]byte(octx.OrderHash) {
		t.Errorf("calldata order hash %x, want %s", got, octx.OrderHash)
	}
}

func TestMatchOrder_SkipsWhenAlreadyMatched(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 2)
	f.escrows[[32]byte(octx.OrderHash)] = testEscrow

	txHash, err := exec.MatchOrder(context.Background(), octx)
	if err != nil {
		t.Fatalf("MatchOrder: %v", err)
	}
	if txHash != "" {
		t.Errorf("got tx hash %q, want empty for an already matched order", txHash)
	}
	if len(f.sent) != 0 {
		t.Errorf("sent %d transactions, want none", len(f.sent))
	}
}

func TestMatchOrder_ReadFailureIsTransient(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 3)
	f.callErr = errors.New("connection refused")

	if _, err := exec.MatchOrder(context.Background(), octx); !errors.Is(err, swap.ErrTransientRPC) {
		t.Errorf("got %v, want transient rpc error", err)
	}
}

func TestCompleteOrder_SubmitsSecret(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, secret := testOrderContext(t, 4)

	txHash, err := exec.CompleteOrder(context.Background(), octx, secret)
	if err != nil {
		t.Fatalf("CompleteOrder: %v", err)
	}
	if txHash == "" {
		t.Fatal("expected a tx hash")
	}
	tx := f.sent[0]
	if tx.Value().Sign() != 0 {
		t.Errorf("tx value %s, want zero", tx.Value())
	}
	method := factoryABI.Methods["completeFusionOrder"]
	if !bytes.Equal(tx.Data()[:4], method.ID) {
		t.Fatalf("calldata selector %x, want completeFusionOrder", tx.Data()[:4])
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	if got := args[0].([32]byte); got != [32]byte(octx.OrderHash) {
		t.Errorf("calldata order hash %x, want %s", got, octx.OrderHash)
	}
	if got := args[1].([32]byte); got != [32]byte(secret) {
		t.Errorf("calldata secret %x, want %x", got, secret)
	}
}

func TestCompleteOrder_RejectsWrongSecret(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, secret := testOrderContext(t, 5)
	wrong := secret
	wrong[0] ^= 0xFF

	if _, err := exec.CompleteOrder(context.Background(), octx, wrong); !errors.Is(err, swap.ErrValidation) {
		t.Errorf("got %v, want validation error", err)
	}
	if len(f.sent) != 0 {
		t.Errorf("sent %d transactions, want none", len(f.sent))
	}
}

func TestSettle_TransfersToEscrow(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 6)
	f.escrows[[32]byte(octx.OrderHash)] = testEscrow

	txHash, err := exec.Settle(context.Background(), octx)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if txHash == "" {
		t.Fatal("expected a tx hash")
	}
	tx := f.sent[0]
	if tx.To() == nil || *tx.To() != testToken {
		t.Errorf("tx to %v, want token %s", tx.To(), testToken)
	}
	method := erc20ABI.Methods["transfer"]
	if !bytes.Equal(tx.Data()[:4], method.ID) {
		t.Fatalf("calldata selector %x, want transfer", tx.Data()[:4])
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	if got := args[0].(common.Address); got != testEscrow {
		t.Errorf("transfer recipient %s, want escrow %s", got, testEscrow)
	}
	if got := args[1].(*big.Int); got.Cmp(octx.SrcAmount) != 0 {
		t.Errorf("transfer amount %s, want %s", got, octx.SrcAmount)
	}
}

func TestSettle_SkipsWhenEscrowFunded(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 7)
	f.escrows[[32]byte(octx.OrderHash)] = testEscrow
	f.tokenBals[testEscrow] = new(big.Int).Set(octx.SrcAmount)

	txHash, err := exec.Settle(context.Background(), octx)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if txHash != "" {
		t.Errorf("got tx hash %q, want empty for a funded escrow", txHash)
	}
	if len(f.sent) != 0 {
		t.Errorf("sent %d transactions, want none", len(f.sent))
	}
}

func TestSettle_WithoutEscrowIsStateConflict(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 8)

	if _, err := exec.Settle(context.Background(), octx); !errors.Is(err, swap.ErrStateConflict) {
		t.Errorf("got %v, want state conflict", err)
	}
}

func TestSettle_RejectsNonAddressToken(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 9)
	f.escrows[[32]byte(octx.OrderHash)] = testEscrow
	octx.SrcToken = "untrn"

	if _, err := exec.Settle(context.Background(), octx); !errors.Is(err, swap.ErrValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestSubmit_NonceSequence(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)

	for tag := byte(10); tag < 13; tag++ {
		octx, _ := testOrderContext(t, tag)
		if _, err := exec.MatchOrder(context.Background(), octx); err != nil {
			t.Fatalf("MatchOrder %d: %v", tag, err)
		}
	}
	if len(f.sent) != 3 {
		t.Fatalf("sent %d transactions, want 3", len(f.sent))
	}
	for i, tx := range f.sent {
		if want := uint64(5 + i); tx.Nonce() != want {
			t.Errorf("tx %d nonce %d, want %d", i, tx.Nonce(), want)
		}
	}
}

func TestSubmit_NonceConflictRefetches(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 14)

	f.sendErr = errors.New("nonce too low")
	if _, err := exec.MatchOrder(context.Background(), octx); !errors.Is(err, swap.ErrTransientRPC) {
		t.Fatalf("got %v, want transient rpc error", err)
	}

	f.nonce = 9
	if _, err := exec.MatchOrder(context.Background(), octx); err != nil {
		t.Fatalf("retry after nonce conflict: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(f.sent))
	}
	if got := f.sent[0].Nonce(); got != 9 {
		t.Errorf("retried tx nonce %d, want refetched 9", got)
	}
}

func TestSubmit_AlreadyKnownCountsAsSent(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 15)

	f.sendErr = errors.New("already known")
	txHash, err := exec.MatchOrder(context.Background(), octx)
	if err != nil {
		t.Fatalf("MatchOrder: %v", err)
	}
	if txHash == "" {
		t.Fatal("expected the known transaction's hash")
	}

	octx2, _ := testOrderContext(t, 16)
	if _, err := exec.MatchOrder(context.Background(), octx2); err != nil {
		t.Fatalf("next MatchOrder: %v", err)
	}
	if got := f.sent[len(f.sent)-1].Nonce(); got != 6 {
		t.Errorf("next tx nonce %d, want 6 after the known tx consumed 5", got)
	}
}

func TestSubmit_RevertIsChainRejection(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 17)
	f.revertNext = true

	_, err := exec.MatchOrder(context.Background(), octx)
	if !errors.Is(err, swap.ErrChainRejection) {
		t.Fatalf("got %v, want chain rejection", err)
	}
	if !strings.Contains(err.Error(), "reverted") {
		t.Errorf("error %q does not mention the revert", err)
	}
}

func TestSubmit_InsufficientFunds(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 18)
	f.sendErr = errors.New("insufficient funds for gas * price + value")

	if _, err := exec.MatchOrder(context.Background(), octx); !errors.Is(err, swap.ErrInsufficientFunds) {
		t.Errorf("got %v, want insufficient funds", err)
	}
}

func TestSubmit_GasCeilingOnEstimateFailure(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 19)
	f.estimateErr = errors.New("execution reverted")

	if _, err := exec.MatchOrder(context.Background(), octx); err != nil {
		t.Fatalf("MatchOrder: %v", err)
	}
	if got := f.sent[0].Gas(); got != DefaultGasCeiling {
		t.Errorf("tx gas %d, want ceiling %d", got, DefaultGasCeiling)
	}
}

func TestSubmit_ClampsGasPrice(t *testing.T) {
	f := newFakeBackend()
	key, _ := crypto.HexToECDSA(strings.Repeat("22", 32))
	exec, err := NewExecutor(f, key, Config{
		ChainID:        31337,
		Factory:        testFactory,
		Registry:       testRegistry,
		MaxGasPrice:    big.NewInt(1_000_000_000),
		ReceiptTimeout: 2 * time.Second,
		PollInterval:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	octx, _ := testOrderContext(t, 20)

	if _, err := exec.MatchOrder(context.Background(), octx); err != nil {
		t.Fatalf("MatchOrder: %v", err)
	}
	if got := f.sent[0].GasPrice(); got.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("tx gas price %s, want clamped 1000000000", got)
	}
}

func TestWaitMined_TimesOut(t *testing.T) {
	f := newFakeBackend()
	f.noMine = true
	key, _ := crypto.HexToECDSA(strings.Repeat("22", 32))
	exec, err := NewExecutor(f, key, Config{
		ChainID:        31337,
		Factory:        testFactory,
		Registry:       testRegistry,
		ReceiptTimeout: 50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	octx, _ := testOrderContext(t, 21)

	if _, err := exec.MatchOrder(context.Background(), octx); !errors.Is(err, swap.ErrTransientRPC) {
		t.Errorf("got %v, want transient rpc error after receipt timeout", err)
	}
}

func TestSourceEscrow_ZeroWhenUnmatched(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)

	escrow, err := exec.SourceEscrow(context.Background(), types.Hash{0x42})
	if err != nil {
		t.Fatalf("SourceEscrow: %v", err)
	}
	if escrow != (common.Address{}) {
		t.Errorf("escrow %s, want zero address", escrow)
	}
}

func TestMinSafetyDeposit(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)

	deposit, err := exec.MinSafetyDeposit(context.Background(), 1000, big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("MinSafetyDeposit: %v", err)
	}
	if deposit.Cmp(f.deposit) != 0 {
		t.Errorf("deposit %s, want %s", deposit, f.deposit)
	}
}

func TestBalance(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	f.balances[exec.Address()] = big.NewInt(777)

	bal, err := exec.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Int64() != 777 {
		t.Errorf("balance %s, want 777", bal)
	}
}

func TestConfirmations(t *testing.T) {
	f := newFakeBackend()
	exec := newTestExecutor(t, f)
	octx, _ := testOrderContext(t, 22)

	txHash, err := exec.MatchOrder(context.Background(), octx)
	if err != nil {
		t.Fatalf("MatchOrder: %v", err)
	}
	mined := f.receipts[common.HexToHash(txHash)].BlockNumber.Uint64()
	f.height = mined + 5

	confs, err := exec.Confirmations(context.Background(), common.HexToHash(txHash))
	if err != nil {
		t.Fatalf("Confirmations: %v", err)
	}
	if confs != 6 {
		t.Errorf("confirmations %d, want 6", confs)
	}

	confs, err = exec.Confirmations(context.Background(), common.Hash{0xEE})
	if err != nil || confs != 0 {
		t.Errorf("unknown tx: got %d, %v, want 0 confirmations and no error", confs, err)
	}
}
