package robot

import (
	"context"
	"fmt"
	"sort"

	"github.com/banshee-data/labrobot/internal/calibration"
	"github.com/banshee-data/labrobot/internal/deck"
	"gonum.org/v1/gonum/spatial/r3"
)

// resolverLocked returns the resolver for instrument, rebuilding it when
// the deck has changed. The bare head uses the "" instrument.
func (r *Robot) resolverLocked(instrument string) *calibration.Resolver {
	res, ok := r.resolvers[instrument]
	if !ok || res.Stale() {
		res = calibration.NewResolver(r.tree, r.overlays[instrument])
		r.resolvers[instrument] = res
	}
	return res
}

// Resolve returns the calibrated coordinate of loc for instrument.
func (r *Robot) Resolve(instrument string, loc deck.Location) (r3.Vec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolverLocked(instrument).Resolve(loc)
}

// Calibrate records that instrument's tool reaches loc at observed.
func (r *Robot) Calibrate(instrument string, loc deck.Location, observed r3.Vec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.resolverLocked(instrument).Calibrate(loc, observed)
	if err != nil {
		return fmt.Errorf("calibrate %s at %s: %w", instrument, r.tree.PathString(loc.Node), err)
	}
	r.resolvers[instrument] = res
	r.overlays[instrument] = res.Overlay()
	opsf("calibrated %s at %s", instrument, loc)
	return nil
}

// CalibrateHere calibrates loc against the head's current position,
// less the tip length of the instrument.
func (r *Robot) CalibrateHere(ctx context.Context, instrument string, loc deck.Location) error {
	pos, err := r.driver.Position(ctx)
	if err != nil {
		return err
	}
	observed := pos.Head()
	if instrument != "" {
		p, err := r.Pipette(instrument)
		if err != nil {
			return err
		}
		observed.Z -= p.TipLength()
	}
	return r.Calibrate(instrument, loc, observed)
}

// CalibrationRecords exports every instrument's overlay.
func (r *Robot) CalibrationRecords() []calibration.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calibration.Record, 0, len(r.overlays))
	for inst, o := range r.overlays {
		out = append(out, o.Record(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// LoadCalibration replaces one instrument's overlay from a saved record.
func (r *Robot) LoadCalibration(rec calibration.Record) error {
	o, err := calibration.FromRecord(rec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlays[rec.Instrument] = o
	delete(r.resolvers, rec.Instrument)
	return nil
}
