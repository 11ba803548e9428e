package codec

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	dexEscrowPrefix    = "dex1"
	marketEscrowPrefix = "mkt1"
)

// EscrowParts are the components bound into a marketplace escrow id.
type EscrowParts struct {
	AssetID string
	Qty     int64
	Seller  string
	Buyer   string
	Nonce   string
}

// BuildMarketEscrowID encodes the escrow binding for a marketplace order.
// Qty must be a positive integer credit amount.
func BuildMarketEscrowID(parts EscrowParts) (string, error) {
	if parts.AssetID == "" || parts.Seller == "" || parts.Buyer == "" || parts.Nonce == "" {
		return "", fmt.Errorf("invalid escrow parts")
	}
	if parts.Qty <= 0 {
		return "", fmt.Errorf("qty must be a positive integer")
	}
	return strings.Join([]string{
		marketEscrowPrefix,
		parts.AssetID,
		strconv.FormatInt(parts.Qty, 10),
		parts.Seller,
		parts.Buyer,
		parts.Nonce,
	}, ":"), nil
}

// ParseMarketEscrowID decodes a marketplace escrow id, returning false when
// the id is malformed.
func ParseMarketEscrowID(escrowID string) (EscrowParts, bool) {
	normalized := strings.TrimSpace(escrowID)
	if !strings.HasPrefix(normalized, marketEscrowPrefix+":") {
		return EscrowParts{}, false
	}
	parts := strings.Split(normalized, ":")
	if len(parts) != 6 {
		return EscrowParts{}, false
	}
	qty, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || qty <= 0 {
		return EscrowParts{}, false
	}
	return EscrowParts{
		AssetID: parts[1],
		Qty:     qty,
		Seller:  parts[3],
		Buyer:   parts[4],
		Nonce:   parts[5],
	}, true
}

// NewDexEscrowID derives a per-match escrow id for order-book settlement.
func NewDexEscrowID(marketID, matchID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", dexEscrowPrefix, marketID, matchID, randomHex(3))
}
