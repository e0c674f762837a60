package vault

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

type registeredAsset struct {
	SupportedAsset
	token CollateralToken
}

// registry is the immutable set of collateral assets. The slice keeps the
// registration order for deterministic iteration.
type registry struct {
	assets []registeredAsset
	index  map[common.Address]int
}

func newRegistry(assets, feeds []common.Address, symbols []string, tokens map[common.Address]CollateralToken) (*registry, error) {
	if len(assets) != len(feeds) {
		return nil, fmt.Errorf("%w: %d assets, %d feeds", ErrConfigMismatch, len(assets), len(feeds))
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: at least one collateral asset required", ErrInvalidConfig)
	}
	if len(symbols) != 0 && len(symbols) != len(assets) {
		return nil, fmt.Errorf("%w: %d symbols for %d assets", ErrConfigMismatch, len(symbols), len(assets))
	}
	reg := &registry{
		assets: make([]registeredAsset, 0, len(assets)),
		index:  make(map[common.Address]int, len(assets)),
	}
	for i, asset := range assets {
		if asset == (common.Address{}) {
			return nil, fmt.Errorf("%w: collateral asset %d is the zero address", ErrInvalidConfig, i)
		}
		if feeds[i] == (common.Address{}) {
			return nil, fmt.Errorf("%w: price feed %d is the zero address", ErrInvalidConfig, i)
		}
		if _, dup := reg.index[asset]; dup {
			return nil, fmt.Errorf("%w: duplicate collateral asset %s", ErrInvalidConfig, asset.Hex())
		}
		token := tokens[asset]
		if token == nil {
			return nil, fmt.Errorf("%w: no token collaborator for %s", ErrInvalidConfig, asset.Hex())
		}
		symbol := ""
		if len(symbols) > 0 {
			symbol = strings.TrimSpace(symbols[i])
		}
		if symbol == "" {
			symbol = asset.Hex()
		}
		reg.index[asset] = len(reg.assets)
		reg.assets = append(reg.assets, registeredAsset{
			SupportedAsset: SupportedAsset{Asset: asset, Feed: feeds[i], Symbol: symbol},
			token:          token,
		})
	}
	return reg, nil
}

func (r *registry) lookup(asset common.Address) (registeredAsset, bool) {
	i, ok := r.index[asset]
	if !ok {
		return registeredAsset{}, false
	}
	return r.assets[i], true
}

func (r *registry) list() []SupportedAsset {
	out := make([]SupportedAsset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a.SupportedAsset)
	}
	return out
}
