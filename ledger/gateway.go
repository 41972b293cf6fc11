package ledger

import (
	"context"
	"time"
)

// Gateway applies externally computed sensor verdicts. It is the only way a
// sensor-gated step can complete.
type Gateway struct {
	roles   *RoleRegistry
	factory *Factory
}

func NewGateway(roles *RoleRegistry, factory *Factory) *Gateway {
	return &Gateway{roles: roles, factory: factory}
}

// IsTemperatureOK records the temperature verdict of the current
// sensor-gated step. A true verdict completes the step unless it is location
// tracked and still lacks a positive location verdict. A false verdict leaves
// the lot active and the step pending.
func (g *Gateway) IsTemperatureOK(ctx context.Context, caller Address, lot uint64, index int, verdict bool, now time.Time) (bool, error) {
	l, err := g.factory.Lot(lot)
	if err != nil {
		return false, err
	}
	return l.applyVerdict(ctx, g.roles, caller, index, gateTemperature, verdict, "", now)
}

// IsLocationReasonable is the location gate of transport steps. A true
// verdict records location and completes the step once its temperature
// verdict is positive as well.
func (g *Gateway) IsLocationReasonable(ctx context.Context, caller Address, lot uint64, index int, verdict bool, location string, now time.Time) (bool, error) {
	l, err := g.factory.Lot(lot)
	if err != nil {
		return false, err
	}
	return l.applyVerdict(ctx, g.roles, caller, index, gateLocation, verdict, location, now)
}
