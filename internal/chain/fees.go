package chain

import (
	"fmt"
	"math/big"
)

// TransferGas is the fixed intrinsic gas of a plain value transfer to an EOA.
const TransferGas uint64 = 21_000

// feeCaps prices an EIP-1559 transaction off the latest base fee.
//
// tip = max(suggested, minTip); feeCap = 2*baseFee + tip, which keeps the
// transaction includable across several full blocks of base fee growth.
func feeCaps(baseFee, suggestedTip, minTip *big.Int) (tip, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTip == nil {
		return nil, nil, fmt.Errorf("%w: missing fee inputs", ErrRPC)
	}
	if baseFee.Sign() < 0 || suggestedTip.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: negative fee inputs", ErrRPC)
	}
	tip = new(big.Int).Set(suggestedTip)
	if minTip != nil && tip.Cmp(minTip) < 0 {
		tip.Set(minTip)
	}
	feeCap = new(big.Int).Lsh(baseFee, 1)
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}
