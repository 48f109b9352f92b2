// internal/service/ticketing/domain/money.go
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Round2 保留两位小数，舍入规则为"四舍五入、远离零"。
// 预览费用和最终扣款都必须走这个函数，否则两边会差一分钱。
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MinorUnits 把金额换算成货币最小单位（分）。
func MinorUnits(d decimal.Decimal) int64 {
	return Round2(d).Mul(hundred).IntPart()
}

// FromMinorUnits 把最小单位还原成两位小数的金额。
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// ParseMoney 解析形如 "20.00" 的金额字符串。
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Round2(d), nil
}

// FormatMoney 用于展示，例如 "USD 18.00"。
func FormatMoney(d decimal.Decimal, currency string) string {
	if currency == "" {
		return Round2(d).StringFixed(2)
	}
	return currency + " " + Round2(d).StringFixed(2)
}
