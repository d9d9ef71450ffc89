// Package simulation runs an in-process network of QCChain replicas on top
// of the deterministic test pacemaker. It is the engine behind the CLI's run
// command.
package simulation

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/time/rate"

	"github.com/solumlabs/qcchain"
	"github.com/solumlabs/qcchain/consensus"
	"github.com/solumlabs/qcchain/crypto/bls12"
	"github.com/solumlabs/qcchain/leaderrotation"
	"github.com/solumlabs/qcchain/logging"
	"github.com/solumlabs/qcchain/testpm"
)

// Config describes a simulation run.
type Config struct {
	// Replicas is the number of replicas to host. Each replica operates one
	// finalizer.
	Replicas int
	// Blocks is the number of blocks to produce.
	Blocks int
	// QuorumThreshold overrides the vote count required for a quorum.
	// 0 computes it from the policy size.
	QuorumThreshold int
	// LeaderRotation selects the rotation scheme: fixed, round-robin, or weighted.
	LeaderRotation string
	// Seed makes block identifiers and the weighted rotation reproducible.
	Seed int64
	// Rate limits block production, in blocks per second. 0 disables the limit.
	Rate float64
	// ChainedMode pipelines phases across blocks instead of running each
	// block through its own phases.
	ChainedMode bool
}

// Result summarizes a simulation run.
type Result struct {
	// Commits counts the blocks each replica reported as committed.
	Commits map[qcchain.Name]int
	// Warnings is the number of protocol faults reported during the run.
	Warnings int
}

// maxDispatchRounds bounds the delivery loop of a single view, so that a
// protocol bug cannot hang the simulation.
const maxDispatchRounds = 64

// Run executes a simulation and returns per-replica commit counts.
func Run(ctx context.Context, cfg Config, logger logging.Logger) (Result, error) {
	if cfg.Replicas < 1 {
		return Result{}, fmt.Errorf("simulation: at least one replica required, got %d", cfg.Replicas)
	}

	names := make([]qcchain.Name, cfg.Replicas)
	keys := make(map[qcchain.Name]*bls12.PrivateKey, cfg.Replicas)
	policy := qcchain.FinalizerPolicy{}
	for i := range names {
		name := qcchain.Name(fmt.Sprintf("r%d", i))
		key, err := bls12.GeneratePrivateKey()
		if err != nil {
			return Result{}, err
		}
		names[i] = name
		keys[name] = key
		policy.Finalizers = append(policy.Finalizers, qcchain.FinalizerAuthority{
			Name:   name,
			PubKey: key.Public(),
		})
	}

	pm := testpm.New(logger)
	pm.SetFinalizerPolicy(policy)
	pm.SetQuorumThreshold(cfg.QuorumThreshold)
	for _, name := range names {
		replica := consensus.New(name, pm, map[qcchain.Name]*bls12.PrivateKey{name: keys[name]}, logging.New(string(name)), cfg.ChainedMode)
		pm.RegisterQCChain(name, replica)
	}

	rotation, err := newRotation(cfg, names)
	if err != nil {
		return Result{}, err
	}

	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}

	rnd := rand.New(rand.NewSource(cfg.Seed))
	leader := rotation.Leader(1)

	for view := uint64(1); view <= uint64(cfg.Blocks); view++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return Result{}, err
			}
		}

		blockID := makeBlockID(uint32(view), rnd)
		pm.SetProposer(leader)
		pm.SetLeader(leader)
		pm.SetNextLeader(leader)
		pm.SetCurrentBlockID(blockID)
		logger.Debugf("view %d: leader %s proposes block %s", view, leader, blockID)

		pm.Beat()
		drain(pm)

		// hand over leadership before the next view
		next := rotation.Leader(view + 1)
		if next != leader {
			pm.SetNextLeader(next)
			pm.Beat()
			drain(pm)
		}
		leader = next
	}

	result := Result{
		Commits:  make(map[qcchain.Name]int, len(names)),
		Warnings: len(pm.Warnings()),
	}
	for _, name := range names {
		for _, com := range pm.Commitments(name) {
			result.Commits[name] += len(com.Blocks)
		}
	}
	return result, nil
}

func drain(pm *testpm.TestPacemaker) {
	for i := 0; i < maxDispatchRounds && pm.QueueLen() > 0; i++ {
		pm.Dispatch("sim", -1, testpm.AllMessages)
	}
}

func newRotation(cfg Config, names []qcchain.Name) (leaderrotation.Rotation, error) {
	switch cfg.LeaderRotation {
	case "", "round-robin":
		return leaderrotation.NewRoundRobin(names), nil
	case "fixed":
		return leaderrotation.NewFixed(names[0]), nil
	case "weighted":
		entries := make([]leaderrotation.WeightedEntry, len(names))
		for i, name := range names {
			entries[i] = leaderrotation.WeightedEntry{Name: name, Weight: 1}
		}
		return leaderrotation.NewWeighted(entries, cfg.Seed)
	default:
		return nil, fmt.Errorf("simulation: unknown leader rotation scheme %q", cfg.LeaderRotation)
	}
}

// makeBlockID builds a block identifier with the block height in the leading
// 32 bits and pseudorandom content in the rest, the way the block-production
// layer would.
func makeBlockID(num uint32, rnd *rand.Rand) (id qcchain.BlockID) {
	id[0] = byte(num >> 24)
	id[1] = byte(num >> 16)
	id[2] = byte(num >> 8)
	id[3] = byte(num)
	rnd.Read(id[4:])
	return id
}
