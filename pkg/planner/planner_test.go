package planner

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/carlosvargasvip/proxmox-scripts/pkg/balance"
	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/supervisor"
)

const gib = uint64(1) << 30

type fakeTool struct {
	entry *logrus.Entry
}

func (f fakeTool) Version() string    { return "test" }
func (f fakeTool) Log() *logrus.Entry { return f.entry }

func newFakeTool() balancer.Tool {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return fakeTool{entry: logrus.NewEntry(logger)}
}

// scriptedExecutor replays a fixed outcome sequence and records every call.
// Once the script runs out every migration succeeds.
type scriptedExecutor struct {
	script []supervisor.Outcome
	calls  []cluster.Migration
	ha     []bool
}

func (s *scriptedExecutor) Execute(ctx context.Context, migration cluster.Migration, vmStatus string, ha bool) supervisor.Outcome {
	s.calls = append(s.calls, migration)
	s.ha = append(s.ha, ha)
	if len(s.script) > 0 {
		outcome := s.script[0]
		s.script = s.script[1:]
		return outcome
	}
	return supervisor.Outcome{Result: supervisor.Success}
}

// fourVMSnapshot is two equal nodes with four 20 GiB VMs on a: 80% vs 0%.
func fourVMSnapshot() *cluster.Snapshot {
	s := cluster.NewSnapshot()
	s.AddNode(&cluster.Node{Name: "a", TotalMemory: 100 * gib, TotalCPU: 48})
	s.AddNode(&cluster.Node{Name: "b", TotalMemory: 100 * gib, TotalCPU: 48})
	for i := 0; i < 4; i++ {
		s.AddVM(&cluster.VM{ID: 101 + i, Node: "a", MaxMem: 20 * gib, CPUs: 4, Status: "stopped"})
	}
	return s
}

func countSnapshot(counts map[string]int) *cluster.Snapshot {
	s := cluster.NewSnapshot()
	for _, name := range []string{"a", "b", "c"} {
		s.AddNode(&cluster.Node{Name: name, TotalMemory: 100 * gib, TotalCPU: 48})
	}
	id := 101
	for _, name := range []string{"a", "b", "c"} {
		for i := 0; i < counts[name]; i++ {
			s.AddVM(&cluster.VM{ID: id, Node: name, MaxMem: gib, CPUs: 1, Status: "running"})
			id++
		}
	}
	return s
}

func TestPlanTwoNodeMemorySplit(t *testing.T) {
	s := fourVMSnapshot()
	plan := New(newFakeTool(), 0).Plan(s, balance.ModeMemory)

	assert.Len(t, plan, 2)
	for _, migration := range plan {
		assert.Equal(t, "a", migration.Source)
		assert.Equal(t, "b", migration.Target)
	}

	// Applying the plan lands both nodes on 40 GiB, inside the band.
	for _, migration := range plan {
		s.ApplyMigration(migration)
	}
	assert.Equal(t, 40*gib, s.Nodes["a"].AllocMemory)
	assert.Equal(t, 40*gib, s.Nodes["b"].AllocMemory)

	model := balance.NewModel(s)
	assert.False(t, model.NeedsRebalance(balance.ModeMemory))
}

func TestPlanCountModeAlternatesDestinations(t *testing.T) {
	s := countSnapshot(map[string]int{"a": 6})
	plan := New(newFakeTool(), 0).Plan(s, balance.ModeCount)

	assert.Len(t, plan, 4)
	targets := []string{}
	for _, migration := range plan {
		assert.Equal(t, "a", migration.Source)
		targets = append(targets, migration.Target)
	}
	assert.Equal(t, []string{"b", "c", "b", "c"}, targets)
	assert.Equal(t, []int{101, 102, 103, 104}, []int{plan[0].VMID, plan[1].VMID, plan[2].VMID, plan[3].VMID})

	for _, migration := range plan {
		s.ApplyMigration(migration)
	}
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 2, s.Nodes[name].VMCount)
	}
}

func TestPlanCountModeUnevenRemainder(t *testing.T) {
	s := countSnapshot(map[string]int{"a": 7})
	plan := New(newFakeTool(), 0).Plan(s, balance.ModeCount)

	// 7 VMs over 3 nodes: the floor target is 2, the remainder stays put.
	assert.Len(t, plan, 4)
	for _, migration := range plan {
		s.ApplyMigration(migration)
	}
	assert.Equal(t, 3, s.Nodes["a"].VMCount)
	assert.Equal(t, 2, s.Nodes["b"].VMCount)
	assert.Equal(t, 2, s.Nodes["c"].VMCount)
}

func TestPlanDestinationGuard(t *testing.T) {
	s := cluster.NewSnapshot()
	s.AddNode(&cluster.Node{Name: "a", TotalMemory: 100 * gib, TotalCPU: 48})
	s.AddNode(&cluster.Node{Name: "b", TotalMemory: 50 * gib, TotalCPU: 48})
	s.AddVM(&cluster.VM{ID: 101, Node: "a", MaxMem: 90 * gib, CPUs: 4, Status: "running"})

	plan := New(newFakeTool(), 0).Plan(s, balance.ModeMemory)
	assert.Empty(t, plan)
}

func TestPlanBalancedClusterIsNoop(t *testing.T) {
	s := cluster.NewSnapshot()
	s.AddNode(&cluster.Node{Name: "a", TotalMemory: 100 * gib, TotalCPU: 48})
	s.AddNode(&cluster.Node{Name: "b", TotalMemory: 100 * gib, TotalCPU: 48})
	s.AddVM(&cluster.VM{ID: 101, Node: "a", MaxMem: 50 * gib, CPUs: 4, Status: "running"})
	s.AddVM(&cluster.VM{ID: 102, Node: "b", MaxMem: 50 * gib, CPUs: 4, Status: "running"})

	plan := New(newFakeTool(), 0).Plan(s, balance.ModeMemory)
	assert.Empty(t, plan)
}

func TestPlanIsDeterministic(t *testing.T) {
	first := New(newFakeTool(), 0).Plan(fourVMSnapshot(), balance.ModeMemory)
	second := New(newFakeTool(), 0).Plan(fourVMSnapshot(), balance.ModeMemory)
	assert.Equal(t, first, second)
}

func TestPlanHonorsBudget(t *testing.T) {
	plan := New(newFakeTool(), 1).Plan(fourVMSnapshot(), balance.ModeMemory)
	assert.Len(t, plan, 1)
}

func TestPlanDoesNotMutateInput(t *testing.T) {
	s := fourVMSnapshot()
	New(newFakeTool(), 0).Plan(s, balance.ModeMemory)
	assert.Equal(t, 80*gib, s.Nodes["a"].AllocMemory)
	assert.Equal(t, "a", s.VMs[101].Node)
}

func TestRunAppliesSuccessfulMigrations(t *testing.T) {
	s := fourVMSnapshot()
	executor := &scriptedExecutor{}
	summary := New(newFakeTool(), 0).Run(context.Background(), s, balance.ModeMemory, executor)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failures())
	assert.Len(t, executor.calls, 2)
	assert.Equal(t, 40*gib, s.Nodes["a"].AllocMemory)
	assert.Equal(t, 40*gib, s.Nodes["b"].AllocMemory)
	assert.Equal(t, int64(0), balance.NewModel(s).TotalDeviation(balance.ModeMemory))
}

func TestRunDropsFailedVMAndContinues(t *testing.T) {
	s := fourVMSnapshot()
	executor := &scriptedExecutor{script: []supervisor.Outcome{
		{Result: supervisor.MigrationFailed, ExitStatus: "migration aborted"},
	}}

	// Budget of two: one failed attempt, one successful one.
	summary := New(newFakeTool(), 2).Run(context.Background(), s, balance.ModeMemory, executor)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.MigrationFailed)

	// The failed VM stays on its node; only the successful move is applied.
	assert.Equal(t, 101, executor.calls[0].VMID)
	assert.Equal(t, 102, executor.calls[1].VMID)
	assert.Equal(t, "a", s.VMs[101].Node)
	assert.Equal(t, "b", s.VMs[102].Node)
	assert.Equal(t, 60*gib, s.Nodes["a"].AllocMemory)
	assert.Equal(t, 20*gib, s.Nodes["b"].AllocMemory)
}

func TestRunTimeoutPreservesSnapshot(t *testing.T) {
	s := fourVMSnapshot()
	s.VMs[101].HA = true
	executor := &scriptedExecutor{script: []supervisor.Outcome{
		{Result: supervisor.Timeout},
	}}

	summary := New(newFakeTool(), 0).Run(context.Background(), s, balance.ModeMemory, executor)

	assert.Equal(t, 1, summary.TimedOut)
	assert.Equal(t, 2, summary.Succeeded)
	assert.True(t, executor.ha[0])

	// The timed-out VM was not touched in the model; the pass balanced the
	// cluster with the remaining candidates.
	assert.Equal(t, "a", s.VMs[101].Node)
	assert.Equal(t, 40*gib, s.Nodes["a"].AllocMemory)
	assert.Equal(t, 40*gib, s.Nodes["b"].AllocMemory)
}

func TestRunStopsAfterConsecutiveFailures(t *testing.T) {
	s := cluster.NewSnapshot()
	s.AddNode(&cluster.Node{Name: "a", TotalMemory: 100 * gib, TotalCPU: 48})
	s.AddNode(&cluster.Node{Name: "b", TotalMemory: 100 * gib, TotalCPU: 48})
	for i := 0; i < 10; i++ {
		s.AddVM(&cluster.VM{ID: 101 + i, Node: "a", MaxMem: 8 * gib, CPUs: 2, Status: "running"})
	}
	executor := &scriptedExecutor{script: []supervisor.Outcome{
		{Result: supervisor.StartFailed},
		{Result: supervisor.StartFailed},
		{Result: supervisor.StartFailed},
		{Result: supervisor.StartFailed},
		{Result: supervisor.StartFailed},
		{Result: supervisor.StartFailed},
		{Result: supervisor.StartFailed},
	}}

	summary := New(newFakeTool(), 0).Run(context.Background(), s, balance.ModeMemory, executor)

	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 6, summary.StartFailed)
}

func TestRunObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := fourVMSnapshot()
	executor := &scriptedExecutor{}
	summary := New(newFakeTool(), 0).Run(ctx, s, balance.ModeMemory, executor)

	assert.True(t, summary.Cancelled)
	assert.Empty(t, executor.calls)
	assert.Equal(t, 80*gib, s.Nodes["a"].AllocMemory)
}

func TestRunBalancedClusterIsNoop(t *testing.T) {
	s := cluster.NewSnapshot()
	s.AddNode(&cluster.Node{Name: "a", TotalMemory: 100 * gib, TotalCPU: 48})
	s.AddNode(&cluster.Node{Name: "b", TotalMemory: 100 * gib, TotalCPU: 48})
	s.AddVM(&cluster.VM{ID: 101, Node: "a", MaxMem: 50 * gib, CPUs: 4, Status: "running"})
	s.AddVM(&cluster.VM{ID: 102, Node: "b", MaxMem: 50 * gib, CPUs: 4, Status: "running"})

	executor := &scriptedExecutor{}
	summary := New(newFakeTool(), 0).Run(context.Background(), s, balance.ModeMemory, executor)

	assert.Equal(t, 0, summary.Succeeded)
	assert.Empty(t, executor.calls)
}

// Every accepted move must strictly shrink the two touched nodes' combined
// deviation, so the cluster metric never increases mid-pass.
func TestRunProgress(t *testing.T) {
	s := countSnapshot(map[string]int{"a": 6, "b": 1})
	model := balance.NewModel(s)
	previous := model.TotalDeviation(balance.ModeCount)

	executor := &scriptedExecutor{}
	planner := New(newFakeTool(), 0)

	summary := planner.Run(context.Background(), s, balance.ModeCount, executor)
	assert.Greater(t, summary.Succeeded, 0)

	// Replay the applied moves on a fresh copy, checking the metric after
	// each step.
	replay := countSnapshot(map[string]int{"a": 6, "b": 1})
	replayModel := balance.NewModel(replay)
	for _, migration := range summary.Planned {
		replay.ApplyMigration(migration)
		current := replayModel.TotalDeviation(balance.ModeCount)
		assert.Less(t, current, previous)
		previous = current
	}
}
