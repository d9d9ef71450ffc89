// Package leaderrotation provides the leader rotation schemes used to drive
// the pacemaker's proposer and leader assignments between beats.
package leaderrotation

import (
	"math/rand"

	"github.com/mroth/weightedrand"
	"github.com/solumlabs/qcchain"
)

// Rotation selects the leading replica for a view.
type Rotation interface {
	// Leader returns the name of the leader in the given view.
	Leader(view uint64) qcchain.Name
}

type fixed struct {
	leader qcchain.Name
}

// Leader returns the fixed leader, regardless of view.
func (f fixed) Leader(_ uint64) qcchain.Name {
	return f.leader
}

// NewFixed returns a rotation that always selects the same leader.
func NewFixed(leader qcchain.Name) Rotation {
	return fixed{leader}
}

type roundRobin struct {
	names []qcchain.Name
}

// Leader returns the leader of the given view in round-robin order.
func (rr roundRobin) Leader(view uint64) qcchain.Name {
	return rr.names[view%uint64(len(rr.names))]
}

// NewRoundRobin returns a round-robin rotation over the given names.
func NewRoundRobin(names []qcchain.Name) Rotation {
	if len(names) == 0 {
		panic("leaderrotation: no names to rotate over")
	}
	return roundRobin{names}
}

// WeightedEntry assigns a selection weight to a replica.
type WeightedEntry struct {
	Name   qcchain.Name
	Weight uint
}

type weighted struct {
	chooser *weightedrand.Chooser
	rnd     *rand.Rand
}

// Leader picks a leader at random, biased by weight. The underlying source
// is seeded, so the sequence is reproducible for a given seed.
func (w weighted) Leader(_ uint64) qcchain.Name {
	return w.chooser.PickSource(w.rnd).(qcchain.Name)
}

// NewWeighted returns a weighted random rotation with a deterministic seed.
func NewWeighted(entries []WeightedEntry, seed int64) (Rotation, error) {
	choices := make([]weightedrand.Choice, len(entries))
	for i, e := range entries {
		choices[i] = weightedrand.NewChoice(e.Name, e.Weight)
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return nil, err
	}
	return weighted{chooser: chooser, rnd: rand.New(rand.NewSource(seed))}, nil
}
