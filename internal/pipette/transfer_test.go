package pipette

import (
	"context"
	"testing"

	"github.com/banshee-data/labrobot/internal/deck"
	"github.com/banshee-data/labrobot/internal/motion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestTransfer_SingleStep(t *testing.T) {
	r := newRig(t, nil)
	src := r.well(t, r.trough, "A1")
	dst := r.well(t, r.plate, "A1")
	require.NoError(t, r.p.Transfer(context.Background(), Volume(150), []deck.NodeID{src}, []deck.NodeID{dst}, DefaultTransferOptions()))

	assert.Equal(t, []float64{150}, r.volumes(motion.KindAspirate))
	assert.Equal(t, []float64{150}, r.volumes(motion.KindDispense))
	assert.Len(t, r.commands(motion.KindPickUpTip), 1)
	assert.Len(t, r.commands(motion.KindDropTip), 1)
	assert.Empty(t, r.commands(motion.KindBlowOut))
	assert.False(t, r.p.HasTip())
}

func TestTransfer_Carryover(t *testing.T) {
	r := newRig(t, nil)
	src := r.well(t, r.trough, "A1")
	dst := r.well(t, r.trough, "A2")
	require.NoError(t, r.p.Transfer(context.Background(), Volume(460), []deck.NodeID{src}, []deck.NodeID{dst}, DefaultTransferOptions()))

	assert.Equal(t, []float64{200, 200, 60}, r.volumes(motion.KindAspirate))
	assert.Equal(t, []float64{200, 200, 60}, r.volumes(motion.KindDispense))
	assert.Len(t, r.commands(motion.KindPickUpTip), 1)
	assert.Len(t, r.commands(motion.KindDropTip), 1)
}

func TestTransfer_NewTipAlways(t *testing.T) {
	r := newRig(t, nil)
	opts := DefaultTransferOptions()
	opts.NewTip = TipAlways
	sources := r.tree.Wells(r.plate)[:3]
	targets := r.tree.Wells(r.plate)[3:6]
	require.NoError(t, r.p.Transfer(context.Background(), Volume(50), sources, targets, opts))

	assert.Len(t, r.commands(motion.KindPickUpTip), 3)
	assert.Len(t, r.commands(motion.KindDropTip), 3)
	assert.Equal(t, 93, r.p.TipSupply().Remaining())
}

func TestTransfer_NewTipNever(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	opts := DefaultTransferOptions()
	opts.NewTip = TipNever
	src := []deck.NodeID{r.well(t, r.plate, "A1")}
	dst := []deck.NodeID{r.well(t, r.plate, "A2")}

	assert.ErrorIs(t, r.p.Transfer(ctx, Volume(50), src, dst, opts), ErrNoTip)

	require.NoError(t, r.p.PickUpTip(ctx, deck.NoNode))
	require.NoError(t, r.p.Transfer(ctx, Volume(50), src, dst, opts))
	assert.Len(t, r.commands(motion.KindPickUpTip), 1)
	assert.Empty(t, r.commands(motion.KindDropTip))
	assert.True(t, r.p.HasTip())
}

func TestTransfer_UnknownTipPolicyBeforeMotion(t *testing.T) {
	r := newRig(t, nil)
	opts := DefaultTransferOptions()
	opts.NewTip = "sometimes"
	err := r.p.Transfer(context.Background(), Volume(50),
		[]deck.NodeID{r.well(t, r.plate, "A1")}, []deck.NodeID{r.well(t, r.plate, "A2")}, opts)
	assert.ErrorIs(t, err, ErrUnknownTipPolicy)
	assert.Zero(t, r.queue.Len())
}

func TestTransfer_ReturnsTipWithoutTrash(t *testing.T) {
	r := newRig(t, nil)
	opts := DefaultTransferOptions()
	opts.Trash = false
	require.NoError(t, r.p.Transfer(context.Background(), Volume(50),
		[]deck.NodeID{r.well(t, r.plate, "A1")}, []deck.NodeID{r.well(t, r.plate, "A2")}, opts))

	tip := r.well(t, r.rack, "A1")
	moves := r.commands(motion.KindMove)
	require.NotEmpty(t, moves)
	assert.Equal(t, tip, moves[len(moves)-1].Location.Node)
}

func TestDistribute_GroupsAspirates(t *testing.T) {
	r := newRig(t, nil)
	src := r.well(t, r.trough, "A1")
	targets := r.tree.Wells(r.plate)[:30]
	require.NoError(t, r.p.Distribute(context.Background(), Volume(10), src, targets, DefaultTransferOptions()))

	assert.Equal(t, []float64{200, 100}, r.volumes(motion.KindAspirate))
	assert.Len(t, r.commands(motion.KindDispense), 30)
	assert.Len(t, r.commands(motion.KindPickUpTip), 1)
	assert.Len(t, r.commands(motion.KindDropTip), 1)
}

func TestDistribute_DisposalIsBlownOut(t *testing.T) {
	r := newRig(t, nil)
	opts := DefaultTransferOptions()
	opts.DisposalVolume = 20
	src := r.well(t, r.trough, "A1")
	targets := r.tree.Wells(r.plate)[:30]
	require.NoError(t, r.p.Distribute(context.Background(), Volume(10), src, targets, opts))

	assert.Equal(t, []float64{200, 140}, r.volumes(motion.KindAspirate))
	blows := r.commands(motion.KindBlowOut)
	assert.Len(t, blows, 2)
	assert.InDelta(t, 300, floats.Sum(r.volumes(motion.KindDispense)), 1e-9)
}

func TestConsolidate_GroupsDispenses(t *testing.T) {
	r := newRig(t, nil)
	sources := r.tree.Wells(r.plate)[:30]
	dst := r.well(t, r.trough, "A1")
	require.NoError(t, r.p.Consolidate(context.Background(), Volume(10), sources, dst, DefaultTransferOptions()))

	assert.Len(t, r.commands(motion.KindAspirate), 30)
	assert.Equal(t, []float64{200, 100}, r.volumes(motion.KindDispense))
	assert.Zero(t, r.p.CurrentVolume())
}

func TestTransfer_ConservesVolume(t *testing.T) {
	r := newRig(t, nil)
	sources := r.tree.Wells(r.plate)[:8]
	targets := r.tree.Wells(r.plate)[8:16]
	vols := []float64{25, 180, 220, 90, 410, 60, 30, 199}
	require.NoError(t, r.p.Transfer(context.Background(), VolumeList(vols...), sources, targets, DefaultTransferOptions()))

	want := floats.Sum(vols)
	assert.InDelta(t, want, floats.Sum(r.volumes(motion.KindAspirate)), 1e-9)
	assert.InDelta(t, want, floats.Sum(r.volumes(motion.KindDispense)), 1e-9)
	assert.Zero(t, r.p.CurrentVolume())
}

func TestTransfer_MixAndTouchTip(t *testing.T) {
	r := newRig(t, nil)
	opts := DefaultTransferOptions()
	opts.MixBefore = MixSpec{Repetitions: 2, Volume: 30}
	opts.MixAfter = MixSpec{Repetitions: 3, Volume: 40}
	opts.TouchTip = true
	require.NoError(t, r.p.Transfer(context.Background(), Volume(100),
		[]deck.NodeID{r.well(t, r.plate, "A1")}, []deck.NodeID{r.well(t, r.plate, "B1")}, opts))

	assert.Equal(t, []float64{30, 30, 100, 40, 40, 40}, r.volumes(motion.KindAspirate))
	assert.Equal(t, []float64{30, 30, 100, 40, 40, 40}, r.volumes(motion.KindDispense))
	// after the aspirate and after the final dispense
	assert.Len(t, r.commands(motion.KindTouchTip), 2)
}

func TestTransfer_AirGap(t *testing.T) {
	r := newRig(t, nil)
	opts := DefaultTransferOptions()
	opts.AirGap = 20
	require.NoError(t, r.p.Transfer(context.Background(), Volume(200),
		[]deck.NodeID{r.well(t, r.trough, "A1")}, []deck.NodeID{r.well(t, r.trough, "A2")}, opts))

	// capacity shrinks by the gap, so 200 ul needs two trips
	assert.Equal(t, []float64{180, 20, 20, 20}, r.volumes(motion.KindAspirate))
	assert.Equal(t, []float64{20, 180, 20, 20}, r.volumes(motion.KindDispense))
	assert.Zero(t, r.p.CurrentVolume())
}

func TestPlanTransfer_DoesNotSubmit(t *testing.T) {
	r := newRig(t, nil)
	plan, err := r.p.PlanTransfer(Volume(460), []deck.NodeID{r.well(t, r.plate, "A1")},
		[]deck.NodeID{r.well(t, r.plate, "A2")}, ModeTransfer, DefaultTransferOptions())
	require.NoError(t, err)
	assert.Len(t, plan, 3)
	assert.Zero(t, r.queue.Len())

	opts := DefaultTransferOptions()
	opts.AirGap = 200
	_, err = r.p.PlanTransfer(Volume(10), []deck.NodeID{1}, []deck.NodeID{2}, ModeTransfer, opts)
	assert.ErrorIs(t, err, ErrOverCapacity)
}

// peakVolume replays the queued commands and returns the most liquid
// and air the tip held at once.
func (r *rig) peakVolume() float64 {
	var held, peak float64
	for _, c := range r.queue.Snapshot() {
		switch c.Kind {
		case motion.KindAspirate:
			held += c.Volume
		case motion.KindDispense:
			held -= c.Volume
		case motion.KindBlowOut, motion.KindDropTip, motion.KindPickUpTip:
			held = 0
		}
		peak = max(peak, held)
	}
	return peak
}

func TestDistributeConsolidate_IgnoredOptions(t *testing.T) {
	tests := []struct {
		name      string
		mode      Mode
		volume    float64
		opts      func(*TransferOptions)
		aspirates []float64
		dispenses []float64
		delivered float64
	}{
		{
			name:   "consolidate drops air gap, mix before and disposal",
			mode:   ModeConsolidate,
			volume: 60,
			opts: func(o *TransferOptions) {
				o.AirGap = 10
				o.MixBefore = MixSpec{Repetitions: 2, Volume: 30}
				o.DisposalVolume = 20
			},
			aspirates: []float64{60, 60, 60, 60},
			dispenses: []float64{180, 60},
			delivered: 240,
		},
		{
			name:   "distribute drops mix after",
			mode:   ModeDistribute,
			volume: 50,
			opts: func(o *TransferOptions) {
				o.MixAfter = MixSpec{Repetitions: 3, Volume: 40}
			},
			aspirates: []float64{200},
			dispenses: []float64{50, 50, 50, 50},
			delivered: 50,
		},
		{
			name:   "distribute keeps air gap",
			mode:   ModeDistribute,
			volume: 50,
			opts: func(o *TransferOptions) {
				o.AirGap = 10
				o.MixAfter = MixSpec{Repetitions: 2, Volume: 40}
			},
			aspirates: []float64{150, 10, 10, 10, 50, 10},
			dispenses: []float64{10, 50, 10, 50, 10, 50, 10, 50},
			delivered: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, nil)
			ctx := context.Background()
			opts := DefaultTransferOptions()
			tt.opts(&opts)
			wells := r.tree.Wells(r.plate)[:4]
			trough := []deck.NodeID{r.well(t, r.trough, "A1")}

			sources, targets := trough, wells
			if tt.mode == ModeConsolidate {
				sources, targets = wells, trough
			}
			plan, err := r.p.PlanTransfer(Volume(tt.volume), sources, targets, tt.mode, opts)
			require.NoError(t, err)
			delivered := map[deck.NodeID]float64{}
			for _, s := range plan {
				if s.Dispense != nil {
					delivered[s.Dispense.Well] += s.Dispense.Volume
				}
			}
			require.Len(t, delivered, len(targets))
			for _, target := range targets {
				assert.InDelta(t, tt.delivered, delivered[target], 1e-9)
			}

			if tt.mode == ModeConsolidate {
				require.NoError(t, r.p.Consolidate(ctx, Volume(tt.volume), sources, targets[0], opts))
			} else {
				require.NoError(t, r.p.Distribute(ctx, Volume(tt.volume), sources[0], targets, opts))
			}

			assert.Equal(t, tt.aspirates, r.volumes(motion.KindAspirate))
			assert.Equal(t, tt.dispenses, r.volumes(motion.KindDispense))
			assert.LessOrEqual(t, r.peakVolume(), r.p.WorkingVolume())
			assert.Empty(t, r.commands(motion.KindBlowOut))
			assert.Zero(t, r.p.CurrentVolume())
		})
	}
}
