package gateway

import (
	"sort"
	"strconv"
)

// Stripe limits
const (
	maxMetadataKeys     = 50
	maxMetadataKeyLen   = 40
	maxMetadataValueLen = 500
)

// Metadata keys shared by every intent the engine creates.
const (
	MetaReservationID = "reservation_id"
	MetaBookingID     = "booking_id"
	MetaInstallmentID = "installment_id"
	MetaStep          = "payment_step"
	MetaBase          = "base_amount"
	MetaFee           = "fee_amount"
	MetaTax           = "tax_amount"
	MetaFinal         = "final_amount"
	MetaFunding       = "card_funding"
	MetaBrand         = "card_brand"
)

// NormalizeMetadata enforces the processor's metadata limits. It returns the keys it had to
// drop or truncate so the caller can log them.
func NormalizeMetadata(md map[string]string) (map[string]string, []string) {
	if len(md) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(md))
	var changed []string
	for _, k := range keys {
		v := md[k]
		if k == "" || len(k) > maxMetadataKeyLen || len(out) >= maxMetadataKeys {
			changed = append(changed, k)
			continue
		}
		if len(v) > maxMetadataValueLen {
			v = v[:maxMetadataValueLen]
			changed = append(changed, k)
		}
		out[k] = v
	}
	return out, changed
}

// MetaInt reads an integer metadata value; missing or malformed values read as 0.
func MetaInt(md map[string]string, key string) int64 {
	n, err := strconv.ParseInt(md[key], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func FormatCents(v int64) string {
	return strconv.FormatInt(v, 10)
}
