package services

import (
	"encoding/hex"
	"time"

	"tradedesk/internal/models"

	"golang.org/x/crypto/blake2b"
)

// Checksum fingerprints the fields of a record that never change after it is
// written. Status and settlement time are left out because pending funding
// records move through them.
func Checksum(record models.Transaction) string {
	fields := []string{
		record.ID,
		record.UserID,
		string(record.Type),
		record.Symbol,
		record.Amount.String(),
		record.Price.String(),
		record.Total.String(),
		record.Fee.String(),
		deref(record.PaymentMethodID),
		deref(record.ClientRequestID),
		record.CreatedAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
	}
	h, _ := blake2b.New256(nil)
	for _, field := range fields {
		_, _ = h.Write([]byte(field))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
