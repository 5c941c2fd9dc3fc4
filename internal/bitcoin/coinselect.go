package bitcoin

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// ErrNoUTXOs is returned when selection has no candidates at all.
var ErrNoUTXOs = errors.New("no UTXOs available")

// UTXO is an unspent output tracked by the manager. Spent marks a
// reservation by an in-flight funding transaction.
type UTXO struct {
	TxID          string         `json:"txid"`
	Vout          uint32         `json:"vout"`
	Value         int64          `json:"value"`
	ScriptPubKey  types.HexBytes `json:"scriptPubKey,omitempty"`
	Confirmations int64          `json:"confirmations"`
	Spent         bool           `json:"spent,omitempty"`
}

// Outpoint returns the txid:vout key the cache indexes by.
func (u UTXO) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// CoinSelection holds the result of coin selection.
type CoinSelection struct {
	Inputs []UTXO // Selected UTXOs to spend.
	Total  int64  // Sum of selected input values.
	Change int64  // Change = Total - target.
}

// SelectCoins chooses UTXOs to cover the given target amount in satoshis.
// It tries two strategies:
//  1. Single UTXO: finds the smallest single UTXO that covers the target (minimizes inputs).
//  2. Largest-first accumulation: greedily adds the largest UTXOs until the target is met.
//
// Returns the strategy that produces the least change (waste). Spent and
// zero-value UTXOs are never candidates.
func SelectCoins(utxos []UTXO, target int64) (*CoinSelection, error) {
	if len(utxos) == 0 {
		return nil, ErrNoUTXOs
	}
	if target <= 0 {
		return nil, fmt.Errorf("target must be positive")
	}

	candidates := make([]UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Value > 0 && !u.Spent {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoUTXOs
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Value < candidates[j].Value
	})

	// Strategy 1: single UTXO, the smallest one that covers the target.
	var single *CoinSelection
	for _, u := range candidates {
		if u.Value >= target {
			single = &CoinSelection{
				Inputs: []UTXO{u},
				Total:  u.Value,
				Change: u.Value - target,
			}
			break // Already sorted ascending, first match is smallest.
		}
	}

	// Strategy 2: Largest-first accumulation.
	var accum *CoinSelection
	var selected []UTXO
	var total int64
	// Iterate from largest to smallest.
	for i := len(candidates) - 1; i >= 0; i-- {
		selected = append(selected, candidates[i])
		total += candidates[i].Value
		if total >= target {
			accum = &CoinSelection{
				Inputs: selected,
				Total:  total,
				Change: total - target,
			}
			break
		}
	}

	// Pick the best result.
	switch {
	case single != nil && accum != nil:
		// Prefer whichever produces less change (less waste).
		if single.Change <= accum.Change {
			return single, nil
		}
		return accum, nil
	case single != nil:
		return single, nil
	case accum != nil:
		return accum, nil
	default:
		return nil, fmt.Errorf("%w: have %d sat, need %d sat",
			swap.ErrInsufficientFunds, totalValue(candidates), target)
	}
}

func totalValue(utxos []UTXO) int64 {
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}
