package ledger

import (
	"fmt"
	"strings"
)

// OriginType tags the business reason behind a ledger entry. The meaning of
// the entry's OriginID depends on the variant.
type OriginType string

const (
	// OriginPurchaseEarned is a root credit; OriginID is the confirmed purchase id.
	OriginPurchaseEarned OriginType = "purchase_earned"
	// OriginCampaignBonus is a root credit; OriginID is the campaign id.
	OriginCampaignBonus OriginType = "campaign_bonus"
	// OriginAssignment is a root credit granted by a merchant or admin;
	// OriginID is the assignment id.
	OriginAssignment OriginType = "assignment"
	// OriginTransferIn is the receiving side of a transfer; OriginID is the transfer id.
	OriginTransferIn OriginType = "transfer_in"
	// OriginTransferOut is the sending side of a transfer; OriginID is the transfer id.
	OriginTransferOut OriginType = "transfer_out"
	// OriginRedemption is a debit; OriginID is the redeemed reward or order id.
	OriginRedemption OriginType = "redemption"
	// OriginSale is a debit for a confirmed points-to-cash sale; OriginID is the sale id.
	OriginSale OriginType = "sale"
)

var allOrigins = []OriginType{
	OriginPurchaseEarned,
	OriginCampaignBonus,
	OriginAssignment,
	OriginTransferIn,
	OriginTransferOut,
	OriginRedemption,
	OriginSale,
}

// OriginTypes returns every known origin type in declaration order.
func OriginTypes() []OriginType {
	out := make([]OriginType, len(allOrigins))
	copy(out, allOrigins)

	return out
}

// ParseOriginType converts s (case-insensitive) into an OriginType.
func ParseOriginType(s string) (OriginType, error) {
	o := OriginType(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, s)
	}

	return o, nil
}

// Valid reports whether o is one of the known origin types.
func (o OriginType) Valid() bool {
	for _, known := range allOrigins {
		if o == known {
			return true
		}
	}

	return false
}

// IsRoot reports whether entries of this type are original, non-derived
// sources of points. Root entries never carry parent links.
func (o OriginType) IsRoot() bool {
	switch o {
	case OriginPurchaseEarned, OriginCampaignBonus, OriginAssignment:
		return true
	default:
		return false
	}
}

// IsCredit reports whether entries of this type add points to a balance.
func (o OriginType) IsCredit() bool {
	return o.IsRoot() || o == OriginTransferIn
}

// IsDebit reports whether entries of this type remove points from a balance.
func (o OriginType) IsDebit() bool {
	switch o {
	case OriginTransferOut, OriginRedemption, OriginSale:
		return true
	default:
		return false
	}
}

func (o OriginType) String() string { return string(o) }

// MarshalText implements encoding.TextMarshaler.
func (o OriginType) MarshalText() ([]byte, error) {
	return []byte(o), nil
}

// UnmarshalText implements encoding.TextUnmarshaler and rejects unknown values.
func (o *OriginType) UnmarshalText(data []byte) error {
	parsed, err := ParseOriginType(string(data))
	if err != nil {
		return err
	}

	*o = parsed

	return nil
}
