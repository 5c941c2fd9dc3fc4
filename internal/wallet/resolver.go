package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Resolver bundles the daemon's signing keys, one per chain family,
// all derived from the same seed at their standard BIP-44 paths:
// m/44'/0' (or 1' on testnet) for the UTXO chain, m/44'/60' for the
// EVM source chain and m/44'/118' for account-model destinations.
type Resolver struct {
	bitcoin *HDKey
	evm     *HDKey
	cosmos  *HDKey
}

// NewResolver derives the per-chain keys from a BIP-39 seed.
func NewResolver(seed []byte, testnet bool) (*Resolver, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	btcCoin := uint32(CoinTypeBitcoin)
	if testnet {
		btcCoin = CoinTypeBitcoinTestnet
	}
	btcKey, err := master.DeriveAccount(btcCoin, 0, ChangeExternal, 0)
	if err != nil {
		return nil, fmt.Errorf("derive bitcoin key: %w", err)
	}
	evmKey, err := master.DeriveAccount(CoinTypeEVM, 0, ChangeExternal, 0)
	if err != nil {
		return nil, fmt.Errorf("derive evm key: %w", err)
	}
	cosmosKey, err := master.DeriveAccount(CoinTypeCosmos, 0, ChangeExternal, 0)
	if err != nil {
		return nil, fmt.Errorf("derive cosmos key: %w", err)
	}

	return &Resolver{
		bitcoin: btcKey,
		evm:     evmKey,
		cosmos:  cosmosKey,
	}, nil
}

// BitcoinPrivKey returns the UTXO-chain signing key.
func (r *Resolver) BitcoinPrivKey() *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(r.bitcoin.PrivateKeyBytes())
	return priv
}

// BitcoinPubKey returns the compressed 33-byte UTXO-chain public key.
func (r *Resolver) BitcoinPubKey() []byte {
	return r.bitcoin.PublicKeyBytes()
}

// BitcoinAddress returns the resolver's P2WPKH address. Change and
// claimed HTLC outputs pay to it.
func (r *Resolver) BitcoinAddress(params *chaincfg.Params) (btcutil.Address, error) {
	hash := btcutil.Hash160(r.bitcoin.PublicKeyBytes())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, params)
	if err != nil {
		return nil, fmt.Errorf("derive p2wpkh address: %w", err)
	}
	return addr, nil
}

// EVMPrivKey returns the source-chain signing key.
func (r *Resolver) EVMPrivKey() (*ecdsa.PrivateKey, error) {
	priv, err := crypto.ToECDSA(r.evm.PrivateKeyBytes())
	if err != nil {
		return nil, fmt.Errorf("load evm key: %w", err)
	}
	return priv, nil
}

// EVMAddress returns the resolver's source-chain account address.
func (r *Resolver) EVMAddress() (common.Address, error) {
	priv, err := r.EVMPrivKey()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(priv.PublicKey), nil
}

// CosmosPrivKey returns the account-model signing key.
func (r *Resolver) CosmosPrivKey() *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(r.cosmos.PrivateKeyBytes())
	return priv
}

// CosmosPubKey returns the compressed 33-byte account-model public key.
func (r *Resolver) CosmosPubKey() []byte {
	return r.cosmos.PublicKeyBytes()
}

// CosmosAddress encodes the account-model address, which is the
// hash160 of the compressed public key, under the chain's bech32
// prefix.
func (r *Resolver) CosmosAddress(prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("empty bech32 prefix")
	}
	hash := btcutil.Hash160(r.cosmos.PublicKeyBytes())
	converted, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert address bits: %w", err)
	}
	addr, err := bech32.Encode(prefix, converted)
	if err != nil {
		return "", fmt.Errorf("encode bech32 address: %w", err)
	}
	return addr, nil
}
