// Package proposals provides the in-memory proposal store used by the
// decision engine. Proposals are indexed uniquely by identifier and
// non-uniquely by height, so that stale entries can be collected in bulk.
package proposals

import (
	"github.com/solumlabs/qcchain"
)

// Store is a dual-indexed container of proposals. It is owned by a single
// replica and is not safe for concurrent use.
type Store struct {
	byID     map[qcchain.ProposalID]*qcchain.ProposalMsg
	byHeight map[uint64]map[qcchain.ProposalID]struct{}
}

// NewStore returns an empty proposal store.
func NewStore() *Store {
	return &Store{
		byID:     make(map[qcchain.ProposalID]*qcchain.ProposalMsg),
		byHeight: make(map[uint64]map[qcchain.ProposalID]struct{}),
	}
}

// Insert adds a proposal to the store. It returns false if a proposal with
// the same identifier is already present.
func (s *Store) Insert(p *qcchain.ProposalMsg) bool {
	if _, ok := s.byID[p.ProposalID]; ok {
		return false
	}
	s.byID[p.ProposalID] = p
	height := p.Height()
	ids, ok := s.byHeight[height]
	if !ok {
		ids = make(map[qcchain.ProposalID]struct{})
		s.byHeight[height] = ids
	}
	ids[p.ProposalID] = struct{}{}
	return true
}

// Get returns the proposal with the given identifier, or nil if not stored.
func (s *Store) Get(id qcchain.ProposalID) *qcchain.ProposalMsg {
	return s.byID[id]
}

// Len returns the number of stored proposals.
func (s *Store) Len() int {
	return len(s.byID)
}

// GC removes every proposal whose height is below the cutoff and returns the
// number of evicted proposals.
func (s *Store) GC(heightCutoff uint64) (evicted int) {
	for height, ids := range s.byHeight {
		if height >= heightCutoff {
			continue
		}
		for id := range ids {
			delete(s.byID, id)
			evicted++
		}
		delete(s.byHeight, height)
	}
	return evicted
}

// ForEach calls f for each stored proposal in unspecified order.
func (s *Store) ForEach(f func(*qcchain.ProposalMsg)) {
	for _, p := range s.byID {
		f(p)
	}
}
