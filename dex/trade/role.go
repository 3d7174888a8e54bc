// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package trade

import "fmt"

// Role is the part a node plays in a trade. Role-specific behavior is
// expressed as methods on the Role rather than separate trade types.
type Role uint8

const (
	BuyerAsMaker Role = iota
	BuyerAsTaker
	SellerAsMaker
	SellerAsTaker
	Arbitrator
)

var roleNames = map[Role]string{
	BuyerAsMaker:  "BuyerAsMaker",
	BuyerAsTaker:  "BuyerAsTaker",
	SellerAsMaker: "SellerAsMaker",
	SellerAsTaker: "SellerAsTaker",
	Arbitrator:    "Arbitrator",
}

// NewRole is the trader role for the side and maker flag.
func NewRole(buyer, maker bool) Role {
	switch {
	case buyer && maker:
		return BuyerAsMaker
	case buyer:
		return BuyerAsTaker
	case maker:
		return SellerAsMaker
	}
	return SellerAsTaker
}

// String implements Stringer.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// MarshalText marshals the Role as its name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a Role name.
func (r *Role) UnmarshalText(b []byte) error {
	for role, name := range roleNames {
		if name == string(b) {
			*r = role
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", string(b))
}

// IsBuyer is true for buyer roles.
func (r Role) IsBuyer() bool {
	return r == BuyerAsMaker || r == BuyerAsTaker
}

// IsSeller is true for seller roles.
func (r Role) IsSeller() bool {
	return r == SellerAsMaker || r == SellerAsTaker
}

// IsMaker is true for maker roles.
func (r Role) IsMaker() bool {
	return r == BuyerAsMaker || r == SellerAsMaker
}

// IsTaker is true for taker roles.
func (r Role) IsTaker() bool {
	return r == BuyerAsTaker || r == SellerAsTaker
}

// IsArbitrator is true for the dispute agent's record of a trade.
func (r Role) IsArbitrator() bool {
	return r == Arbitrator
}
