package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/procedure"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/filestore"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

const (
	dataDir = "data/demo"
	groups  = 20
)

// Crash-recovery demo on the file backend:
//
//	go run ./cmd/demo start     # fail over 20 groups; press Ctrl+C mid-flight
//	go run ./cmd/demo recover   # reopen the checkpoint log and resume
//	go run ./cmd/demo rollback  # failover whose promote step always fails
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover|rollback>")
		os.Exit(1)
	}
	mode := os.Args[1]

	sim := farm.NewSimulator()
	for i := 1; i <= groups; i++ {
		sim.AddGroup(group(i), fmt.Sprintf("g%d-s1", i), fmt.Sprintf("g%d-s2", i), fmt.Sprintf("g%d-s3", i))
	}
	// 放慢每個操作，讓 Ctrl+C 能在執行中途打斷
	sim.SetLatency(150 * time.Millisecond)

	if mode == "rollback" {
		sim.FailAlways("Promote", "g1-s2", errors.New("replication broken"))
	}

	store, err := filestore.Open(filestore.Options{Dir: dataDir, SyncWrites: true})
	if err != nil {
		log.Fatalf("Failed to open checkpoint store: %v", err)
	}
	defer store.Close()

	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{Repository: store, Farm: sim})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Stop()

	printStats("after startup", eng.Stats())

	switch mode {
	case "start":
		if st := eng.Stats(); st.LastJobID > 0 {
			fmt.Printf("\n⚠️  Found %d jobs from a previous run, run 'recover' or delete %s\n", st.LastJobID, dataDir)
			return
		}
		for i := 1; i <= groups; i++ {
			if _, err := eng.SubmitProcedure(ctx, procedure.ProcFailover, map[string]string{"group": group(i)}); err != nil {
				log.Fatalf("Failed to submit: %v", err)
			}
		}
		fmt.Printf("✓ Submitted %d failovers\n", groups)
		fmt.Printf("💡 Press Ctrl+C NOW to interrupt them mid-chain, then run 'recover'\n\n")
		watch(ctx, eng)

	case "recover":
		watch(ctx, eng)

	case "rollback":
		id, err := eng.SubmitProcedure(ctx, procedure.ProcFailover, map[string]string{"group": "g1"})
		if err != nil {
			log.Fatalf("Failed to submit: %v", err)
		}
		job, err := eng.WaitForJob(ctx, id, time.Minute)
		if err != nil {
			log.Fatalf("Wait failed: %v", err)
		}
		fmt.Printf("\nJob %d: %s (%s)\n", job.ID, job.Status, job.Error)
		for _, a := range job.Actions {
			fmt.Printf("  %d %-18s %-10s compensation=%s\n", a.Index, a.Name, a.Status, a.Compensation)
		}
		master, _ := sim.Master(ctx, "g1")
		fmt.Printf("g1 master after rollback: %s\n", master)

	default:
		fmt.Printf("unknown mode %q\n", mode)
		os.Exit(1)
	}
}

// watch prints progress until every job is terminal or ctx is done.
func watch(ctx context.Context, eng *engine.Engine) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping (unfinished jobs stay checkpointed)...")
			return
		case <-ticker.C:
			st := eng.Stats()
			active := st.Jobs[string(types.JobRunning)] + st.Jobs[string(types.JobCompensating)] +
				st.Jobs[string(types.JobWaitingLocks)] + st.Jobs[string(types.JobEnqueued)]
			fmt.Printf("📊 running=%d waiting=%d complete=%d compensated=%d busy=%d/%d\n",
				st.Jobs[string(types.JobRunning)], st.Scheduler.Waiting,
				st.Jobs[string(types.JobComplete)], st.Jobs[string(types.JobCompensated)],
				st.Busy, st.Workers)
			if active == 0 {
				printStats("all jobs finished", st)
				return
			}
		}
	}
}

func printStats(label string, st engine.Stats) {
	fmt.Printf("\n📊 Status (%s):\n", label)
	for _, s := range []types.JobStatus{
		types.JobEnqueued, types.JobRunning, types.JobCompensating,
		types.JobComplete, types.JobFailed, types.JobCompensated, types.JobCompensationFailed,
	} {
		fmt.Printf("  %-20s %d\n", s, st.Jobs[string(s)])
	}
	fmt.Printf("  %-20s %d\n", "PARKED", st.Parked)
}

func group(i int) string {
	return fmt.Sprintf("g%d", i)
}
