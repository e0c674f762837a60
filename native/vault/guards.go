package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "stablevault/native/common"
)

func moreThanZero(amount *big.Int) nativecommon.Precondition {
	return func() error {
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		return nil
	}
}

func (e *Engine) isAllowedCollateral(asset common.Address) nativecommon.Precondition {
	return func() error {
		if e == nil || e.registry == nil {
			return errNilState
		}
		if _, ok := e.registry.lookup(asset); !ok {
			return fmt.Errorf("%w: %s", ErrAssetNotAllowed, asset.Hex())
		}
		return nil
	}
}

func (e *Engine) notPaused() nativecommon.Precondition {
	return nativecommon.Paused(e.pauses, moduleName)
}
