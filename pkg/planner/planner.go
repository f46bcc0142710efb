package planner

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/carlosvargasvip/proxmox-scripts/pkg/balance"
	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/supervisor"
)

const (
	DefaultMaxMigrations = 20

	// Once more than this many migrations fail back to back the pass assumes
	// the control plane is in trouble and stops.
	defaultMaxConsecutiveFailures = 5
)

func New(tool balancer.Tool, maxMigrations int) *Planner {
	if maxMigrations <= 0 {
		maxMigrations = DefaultMaxMigrations
	}
	return &Planner{
		tool:                   tool,
		maxMigrations:          maxMigrations,
		maxConsecutiveFailures: defaultMaxConsecutiveFailures,
	}
}

func (p *Planner) Log() *logrus.Entry {
	return p.tool.Log().WithField("context", "planner")
}

// candidate is a scored (vm, destination) choice for the current source.
type candidate struct {
	vm        *cluster.VM
	score     int64
	newSource int64
	newDest   int64
}

// Plan computes the move sequence for the snapshot without executing
// anything. It simulates on a clone, so the same snapshot always yields the
// same plan.
func (p *Planner) Plan(snapshot *cluster.Snapshot, mode balance.Mode) []cluster.Migration {
	working := snapshot.Clone()
	model := balance.NewModel(working)
	if !model.NeedsRebalance(mode) {
		return nil
	}

	migrations := []cluster.Migration{}
	stuck := map[string]bool{}
	for iteration := 0; iteration < p.maxMigrations; iteration++ {
		source := p.selectSource(model, mode, stuck)
		if source == nil {
			break
		}
		dest := p.selectDest(model, mode, source)
		if dest == nil {
			break
		}
		chosen := p.selectVM(model, mode, source, dest, nil)
		if chosen == nil {
			stuck[source.Name] = true
			continue
		}
		migration := cluster.Migration{VMID: chosen.vm.ID, Source: source.Name, Target: dest.Name}
		working.ApplyMigration(migration)
		migrations = append(migrations, migration)
	}
	return migrations
}

// Run executes a full rebalancing pass against the live snapshot. Exactly one
// migration is in flight at a time; the snapshot is mutated here, under the
// planner's single ownership, after each Success. Cancellation is observed at
// iteration boundaries only.
func (p *Planner) Run(ctx context.Context, snapshot *cluster.Snapshot, mode balance.Mode, executor Executor) Summary {
	summary := Summary{}
	model := balance.NewModel(snapshot)
	if !model.NeedsRebalance(mode) {
		return summary
	}

	stuck := map[string]bool{}
	dropped := map[int]bool{}
	consecutiveFailures := 0

	for iteration := 0; iteration < p.maxMigrations; iteration++ {
		if ctx.Err() != nil {
			p.Log().Warn("Pass cancelled, stopping at iteration boundary")
			summary.Cancelled = true
			break
		}

		source := p.selectSource(model, mode, stuck)
		if source == nil {
			break
		}
		dest := p.selectDest(model, mode, source)
		if dest == nil {
			break
		}
		chosen := p.selectVM(model, mode, source, dest, dropped)
		if chosen == nil {
			p.Log().Infof("No eligible VM on %s, abandoning it for this pass", source.Name)
			stuck[source.Name] = true
			continue
		}

		sourceUtil := model.UtilizationFixed(source, mode)
		destUtil := model.UtilizationFixed(dest, mode)
		p.Log().Infof("Migrating VM %d: %s (util %d) -> %s (util %d)",
			chosen.vm.ID, source.Name, sourceUtil, dest.Name, destUtil)

		migration := cluster.Migration{VMID: chosen.vm.ID, Source: source.Name, Target: dest.Name}
		outcome := executor.Execute(ctx, migration, chosen.vm.Status, chosen.vm.HA)
		switch outcome.Result {
		case supervisor.Success:
			snapshot.ApplyMigration(migration)
			summary.Planned = append(summary.Planned, migration)
			summary.Succeeded++
			consecutiveFailures = 0
		case supervisor.StartFailed:
			summary.StartFailed++
			dropped[chosen.vm.ID] = true
			consecutiveFailures++
		case supervisor.MigrationFailed:
			summary.MigrationFailed++
			dropped[chosen.vm.ID] = true
			consecutiveFailures++
		case supervisor.Timeout:
			// The task may still finish on its own, so the snapshot stays as
			// collected and the VM is just taken out of play.
			summary.TimedOut++
			dropped[chosen.vm.ID] = true
			consecutiveFailures++
		}

		if consecutiveFailures > p.maxConsecutiveFailures {
			p.Log().Errorf("%d consecutive migration failures, stopping the pass", consecutiveFailures)
			break
		}
	}
	return summary
}

// selectSource picks the eligible node with the highest utilization, ties
// broken by lexicographically smallest name.
func (p *Planner) selectSource(model *balance.Model, mode balance.Mode, stuck map[string]bool) *cluster.Node {
	snapshot := model.Snapshot()
	var best *cluster.Node
	var bestUtil int64
	for _, name := range snapshot.NodeNames() {
		node := snapshot.Nodes[name]
		if stuck[name] || !model.SourceEligible(node, mode) {
			continue
		}
		util := model.UtilizationFixed(node, mode)
		if best == nil || util > bestUtil {
			best = node
			bestUtil = util
		}
	}
	return best
}

// selectDest picks the lowest-utilization node other than the source, same
// tie-break.
func (p *Planner) selectDest(model *balance.Model, mode balance.Mode, source *cluster.Node) *cluster.Node {
	snapshot := model.Snapshot()
	var best *cluster.Node
	var bestUtil int64
	for _, name := range snapshot.NodeNames() {
		node := snapshot.Nodes[name]
		if name == source.Name || !model.DestEligible(node) {
			continue
		}
		util := model.UtilizationFixed(node, mode)
		if best == nil || util < bestUtil {
			best = node
			bestUtil = util
		}
	}
	return best
}

// selectVM scores every VM on the source, rejecting moves that would push
// the destination past the overload guard or that do not strictly improve
// the pair's deviation. Lowest score wins, ties broken by smallest vmid.
func (p *Planner) selectVM(model *balance.Model, mode balance.Mode, source, dest *cluster.Node, dropped map[int]bool) *candidate {
	target := model.Target(mode)
	sourceUtil := model.UtilizationFixed(source, mode)
	destUtil := model.UtilizationFixed(dest, mode)
	pairBefore := abs(sourceUtil-target) + abs(destUtil-target)

	var best *candidate
	for _, vm := range model.Snapshot().VMsOn(source.Name) {
		if dropped[vm.ID] {
			continue
		}
		score, newSource, newDest := model.ScoreMove(vm, source, dest, mode)
		if !model.GuardAllows(newDest, mode) {
			continue
		}
		if score >= pairBefore {
			continue
		}
		if best == nil || score < best.score {
			best = &candidate{vm: vm, score: score, newSource: newSource, newDest: newDest}
		}
	}
	return best
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
