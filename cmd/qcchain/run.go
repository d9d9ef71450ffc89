package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/solumlabs/qcchain/internal/profiling"
	"github.com/solumlabs/qcchain/internal/simulation"
	"github.com/solumlabs/qcchain/logging"
)

var (
	numReplicas     int
	numBlocks       int
	quorumThreshold int
	leaderRotation  string
	seed            int64
	blockRate       float64
	chainedMode     bool

	cpuProfile string
	memProfile string
	trace      string
	fgprofOut  string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run an in-process simulation.",
		Long: `The run command hosts a network of replicas on the deterministic
pacemaker and drives block production through them.`,
		Run: func(cmd *cobra.Command, args []string) {
			runSimulation()
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&numReplicas, "replicas", 4, "number of replicas to run")
	runCmd.Flags().IntVar(&numBlocks, "blocks", 10, "number of blocks to produce")
	runCmd.Flags().IntVar(&quorumThreshold, "quorum-threshold", 0, "quorum threshold override (0 computes it from the policy size)")
	runCmd.Flags().StringVar(&leaderRotation, "leader-rotation", "round-robin", "leader rotation scheme (fixed, round-robin, weighted)")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "seed for block identifiers and the weighted rotation")
	runCmd.Flags().Float64Var(&blockRate, "rate", 0, "block production rate limit in blocks per second (0 = unlimited)")
	runCmd.Flags().BoolVar(&chainedMode, "chained", false, "pipeline phases across blocks")

	runCmd.Flags().StringVar(&cpuProfile, "cpu-profile", "", "file to write a CPU profile to")
	runCmd.Flags().StringVar(&memProfile, "mem-profile", "", "file to write a memory profile to")
	runCmd.Flags().StringVar(&trace, "trace", "", "file to write an execution trace to")
	runCmd.Flags().StringVar(&fgprofOut, "fgprof-profile", "", "file to write an fgprof profile to")

	if err := viper.BindPFlags(runCmd.Flags()); err != nil {
		panic(err)
	}
}

func runSimulation() {
	stopProfilers, err := profiling.StartProfilers(cpuProfile, memProfile, trace, fgprofOut)
	if err != nil {
		log.Fatalln("failed to start profilers:", err)
	}
	defer func() {
		if err := stopProfilers(); err != nil {
			log.Println("failed to stop profilers:", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := logging.New("sim")
	cfg := simulation.Config{
		Replicas:        viper.GetInt("replicas"),
		Blocks:          viper.GetInt("blocks"),
		QuorumThreshold: viper.GetInt("quorum-threshold"),
		LeaderRotation:  viper.GetString("leader-rotation"),
		Seed:            viper.GetInt64("seed"),
		Rate:            viper.GetFloat64("rate"),
		ChainedMode:     viper.GetBool("chained"),
	}

	result, err := simulation.Run(ctx, cfg, logger)
	if err != nil {
		log.Fatalln("simulation failed:", err)
	}

	for name, commits := range result.Commits {
		logger.Infof("%s committed %d block(s)", name, commits)
	}
	if result.Warnings > 0 {
		logger.Warnf("%d protocol warning(s) reported", result.Warnings)
	}
}
