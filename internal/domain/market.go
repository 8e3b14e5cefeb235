package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MarketSpec 场所市场精度信息
type MarketSpec struct {
	Symbol        string
	Index         int
	SizeDecimals  int32
	PriceDecimals int32
}

// SizeMultiplier 10^size_decimals
func (m MarketSpec) SizeMultiplier() int64 {
	return pow10(m.SizeDecimals)
}

// PriceMultiplier 10^price_decimals
func (m MarketSpec) PriceMultiplier() int64 {
	return pow10(m.PriceDecimals)
}

// ToBaseAmount 数量转定点整数，向零截断
func (m MarketSpec) ToBaseAmount(size decimal.Decimal) (int64, error) {
	return toFixed(size, m.SizeDecimals, "size")
}

// ToPriceInt 价格转定点整数，向零截断
func (m MarketSpec) ToPriceInt(price decimal.Decimal) (int64, error) {
	return toFixed(price, m.PriceDecimals, "price")
}

// FromBaseAmount 定点整数还原数量
func (m MarketSpec) FromBaseAmount(v int64) decimal.Decimal {
	return decimal.New(v, -m.SizeDecimals)
}

// FromPriceInt 定点整数还原价格
func (m MarketSpec) FromPriceInt(v int64) decimal.Decimal {
	return decimal.New(v, -m.PriceDecimals)
}

func toFixed(v decimal.Decimal, decimals int32, what string) (int64, error) {
	if v.IsNegative() {
		return 0, fmt.Errorf("%s 不能为负: %s", what, v)
	}
	scaled := v.Shift(decimals).Truncate(0)
	if !scaled.IsInteger() || scaled.BigInt().BitLen() > 62 {
		return 0, fmt.Errorf("%s 超出范围: %s", what, v)
	}
	out := scaled.IntPart()
	if out == 0 && !v.IsZero() {
		return 0, fmt.Errorf("%s 小于最小精度: %s (decimals=%d)", what, v, decimals)
	}
	return out, nil
}

func pow10(n int32) int64 {
	out := int64(1)
	for i := int32(0); i < n; i++ {
		out *= 10
	}
	return out
}
