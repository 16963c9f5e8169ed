// Package fees computes the card surcharge added on top of the amount a customer owes.
package fees

import "strings"

const (
	FundingCredit = "credit"
	BrandAmex     = "amex"
)

// per-mille rates
const (
	amexRate   = 35
	creditRate = 29
)

// CalculateFee returns the surcharge in minor units. Only credit cards are surcharged and the
// result is always rounded up.
func CalculateFee(baseCents int64, funding, brand string) int64 {
	if baseCents <= 0 || !strings.EqualFold(funding, FundingCredit) {
		return 0
	}
	rate := int64(creditRate)
	if strings.EqualFold(brand, BrandAmex) {
		rate = amexRate
	}
	return ceilDiv(baseCents*rate, 1000)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// Quote is the frozen breakdown of one payment. Final = Base + Fee + Tax.
type Quote struct {
	Funding string `json:"funding"`
	Brand   string `json:"brand"`
	Base    int64  `json:"base_amount"`
	Fee     int64  `json:"fee"`
	Tax     int64  `json:"tax_amount"`
	Final   int64  `json:"final_amount"`
}

func NewQuote(baseCents int64, funding, brand string) Quote {
	fee := CalculateFee(baseCents, funding, brand)
	return Quote{
		Funding: funding,
		Brand:   brand,
		Base:    baseCents,
		Fee:     fee,
		Final:   baseCents + fee,
	}
}
