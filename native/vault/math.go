package vault

import "math/big"

var ten = big.NewInt(10)

func pow10(exp uint) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(exp)), nil)
}

// mulDiv returns floor(a*b/c). Callers guarantee c > 0.
func mulDiv(a, b, c *big.Int) *big.Int {
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c)
}

// normalizePrice rescales a feed-native price to PrecisionDecimals.
func normalizePrice(price *big.Int, decimals uint8) *big.Int {
	switch {
	case decimals == PrecisionDecimals:
		return new(big.Int).Set(price)
	case decimals < PrecisionDecimals:
		return new(big.Int).Mul(price, pow10(uint(PrecisionDecimals-decimals)))
	default:
		return new(big.Int).Quo(price, pow10(uint(decimals-PrecisionDecimals)))
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
