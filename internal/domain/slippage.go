package domain

import "github.com/shopspring/decimal"

// DefaultSlippage 市价单默认滑点 5%
var DefaultSlippage = decimal.NewFromFloat(0.05)

// SlippagePrice 市价单可接受的最差价格。
// 买单接受 price*(1+tol)，卖单接受 price*(1-tol)。
func SlippagePrice(side Side, price, tol decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == SideBuy {
		return price.Mul(one.Add(tol))
	}
	return price.Mul(one.Sub(tol))
}

// CloseSide 平掉一个仓位需要的方向：多头卖出，空头买入
func CloseSide(sign int) (Side, bool) {
	switch {
	case sign > 0:
		return SideSell, true
	case sign < 0:
		return SideBuy, true
	default:
		return "", false
	}
}
