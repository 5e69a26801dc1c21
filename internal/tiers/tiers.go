// Package tiers maps the mission fund balance to a health tier and the
// fixed payment each mission type earns in that tier.
package tiers

import (
	"fmt"

	"github.com/shopspring/decimal"

	"payline/internal/domain"
)

type Tier int

const (
	Abundant Tier = 1
	Healthy  Tier = 2
	Limited  Tier = 3
	Critical Tier = 4
)

// Info describes a tier for display.
type Info struct {
	Tier   Tier   `json:"tier"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Color  string `json:"color"`
}

var (
	abundantFloor = decimal.NewFromInt(200)
	healthyFloor  = decimal.NewFromInt(100)
	limitedFloor  = decimal.NewFromInt(50)
)

var infos = map[Tier]Info{
	Abundant: {Tier: Abundant, Name: "Tier 1", Status: "Abundant", Color: "green"},
	Healthy:  {Tier: Healthy, Name: "Tier 2", Status: "Healthy", Color: "yellow"},
	Limited:  {Tier: Limited, Name: "Tier 3", Status: "Limited", Color: "orange"},
	Critical: {Tier: Critical, Name: "Tier 4", Status: "Critical", Color: "red"},
}

// payments is indexed by tier-1.
var payments = map[domain.MissionType][4]decimal.Decimal{
	domain.MissionProposal:    {dollars("2.00"), dollars("1.50"), dollars("1.00"), dollars("0.50")},
	domain.MissionSocial:      {dollars("3.00"), dollars("2.50"), dollars("2.00"), dollars("1.00")},
	domain.MissionRecruitment: {dollars("15.00"), dollars("12.00"), dollars("10.00"), dollars("8.00")},
	domain.MissionOther:       {dollars("5.00"), dollars("4.00"), dollars("3.00"), dollars("2.00")},
}

func dollars(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// For returns the tier for a fund balance. Thresholds are inclusive lower bounds.
func For(balance decimal.Decimal) Tier {
	switch {
	case balance.GreaterThanOrEqual(abundantFloor):
		return Abundant
	case balance.GreaterThanOrEqual(healthyFloor):
		return Healthy
	case balance.GreaterThanOrEqual(limitedFloor):
		return Limited
	default:
		return Critical
	}
}

func (t Tier) Valid() bool {
	return t >= Abundant && t <= Critical
}

// Info returns display metadata; invalid tiers report as Critical.
func (t Tier) Info() Info {
	if info, ok := infos[t]; ok {
		return info
	}
	return infos[Critical]
}

// ParseType validates a mission type name.
func ParseType(s string) (domain.MissionType, error) {
	mt := domain.MissionType(s)
	if _, ok := payments[mt]; !ok {
		return "", domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown mission type %q", s)}
	}
	return mt, nil
}

// PaymentFor looks up the fixed payment for a mission type in a tier.
func PaymentFor(mt domain.MissionType, t Tier) (decimal.Decimal, error) {
	row, ok := payments[mt]
	if !ok {
		return decimal.Zero, domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown mission type %q", mt)}
	}
	if !t.Valid() {
		return decimal.Zero, domain.ValidationError{Field: "tier", Reason: fmt.Sprintf("tier %d outside 1-4", t)}
	}
	return row[t-1], nil
}

// Schedule returns the payment for every mission type in a tier.
func Schedule(t Tier) (map[domain.MissionType]decimal.Decimal, error) {
	if !t.Valid() {
		return nil, domain.ValidationError{Field: "tier", Reason: fmt.Sprintf("tier %d outside 1-4", t)}
	}
	out := make(map[domain.MissionType]decimal.Decimal, len(payments))
	for mt, row := range payments {
		out[mt] = row[t-1]
	}
	return out, nil
}
