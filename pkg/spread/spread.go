package spread

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/planner"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/supervisor"
)

// New builds the round-robin spreader. It equalizes raw VM counts without
// looking at memory or cpu; the balance engine is the tool for weighted
// moves.
func New(tool balancer.Tool, collector Collector, executor planner.Executor) *Spread {
	return &Spread{
		tool:      tool,
		collector: collector,
		executor:  executor,
	}
}

func (s *Spread) Log() *logrus.Entry {
	return s.tool.Log().WithField("context", "spread")
}

func (s *Spread) Init(ctx context.Context) error {
	s.Log().Info("Spread mode enabled")

	snapshot, err := s.collector.Collect(ctx)
	if err != nil {
		return err
	}

	plan := s.buildPlan(snapshot)
	if len(plan) == 0 {
		s.Log().Info("Nothing to migrate")
		return nil
	}

	for _, migration := range plan {
		vm := snapshot.VMs[migration.VMID]
		s.Log().Infof("Migrating VM %d: %s -> %s", migration.VMID, migration.Source, migration.Target)
		outcome := s.executor.Execute(ctx, migration, vm.Status, vm.HA)
		if outcome.Result != supervisor.Success {
			s.Log().Errorf("Migration of VM %d ended with %s", migration.VMID, outcome.Result)
			continue
		}
		snapshot.ApplyMigration(migration)
	}
	return nil
}

// perNodeCeiling is the VM count every node is pushed down to.
func perNodeCeiling(snapshot *cluster.Snapshot) int {
	nodes := len(snapshot.Nodes)
	if nodes == 0 {
		return 0
	}
	ceiling := snapshot.VMTotal / nodes
	if snapshot.VMTotal%nodes != 0 {
		ceiling++
	}
	return ceiling
}

// buildPlan assigns surplus VMs to nodes with free slots, both sides walked
// in name order so the plan is reproducible.
func (s *Spread) buildPlan(snapshot *cluster.Snapshot) []cluster.Migration {
	ceiling := perNodeCeiling(snapshot)

	var surplus []nodeCount
	var deficits []assignment
	for _, name := range snapshot.NodeNames() {
		node := snapshot.Nodes[name]
		s.Log().Infof("Node %s vm count %d", name, node.VMCount)
		state := ceiling - node.VMCount
		if state == 0 {
			continue
		}
		if state < 0 {
			surplus = append(surplus, nodeCount{name: name, count: -state})
		} else {
			deficits = append(deficits, assignment{node: name, slots: state})
		}
	}
	sort.Slice(surplus, func(i, j int) bool {
		return surplus[i].name < surplus[j].name
	})

	var movable []*cluster.VM
	var sources []string
	for _, donor := range surplus {
		vms := snapshot.VMsOn(donor.name)
		for i := 0; i < donor.count && i < len(vms); i++ {
			movable = append(movable, vms[i])
			sources = append(sources, donor.name)
		}
	}
	if len(movable) == 0 {
		return nil
	}

	var plan []cluster.Migration
	j := 0
outer:
	for _, receiver := range deficits {
		for i := 0; i < receiver.slots; i++ {
			if j >= len(movable) {
				break outer
			}
			s.Log().Infof("Spread plan add VM %d to %s", movable[j].ID, receiver.node)
			plan = append(plan, cluster.Migration{
				VMID:   movable[j].ID,
				Source: sources[j],
				Target: receiver.node,
			})
			j++
		}
	}
	return plan
}
