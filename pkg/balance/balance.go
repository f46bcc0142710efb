package balance

import (
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

// BasisPoints is the fixed-point scale for utilization values. All scoring
// arithmetic stays in integers so two runs over the same snapshot produce
// identical plans.
const BasisPoints = 10000

// minThreshold keeps the balance band non-zero on lightly loaded clusters.
const minThreshold = 100

// Model answers utilization queries over a snapshot. It holds a reference,
// not a copy: planner mutations are visible on the next query.
type Model struct {
	snap *cluster.Snapshot
}

func NewModel(snap *cluster.Snapshot) *Model {
	return &Model{snap: snap}
}

func (m *Model) Snapshot() *cluster.Snapshot {
	return m.snap
}

// UtilizationFixed returns the node's utilization in basis points for memory
// and cpu mode, and the raw VM count for count mode.
func (m *Model) UtilizationFixed(node *cluster.Node, mode Mode) int64 {
	switch mode {
	case ModeCount:
		return int64(node.VMCount)
	case ModeCPU:
		return int64(node.AllocCPU) * BasisPoints / int64(nonZero(uint64(node.TotalCPU)))
	default:
		return int64(node.AllocMemory) * BasisPoints / int64(nonZero(node.TotalMemory))
	}
}

// Target is the cluster-wide utilization in basis points, or the per-node
// floor of the VM count in count mode. Migrations conserve both numerator
// and denominator, so the target is stable across a pass.
func (m *Model) Target(mode Mode) int64 {
	switch mode {
	case ModeCount:
		if len(m.snap.Nodes) == 0 {
			return 0
		}
		return int64(m.snap.VMTotal) / int64(len(m.snap.Nodes))
	case ModeCPU:
		return int64(m.snap.AllocCPU) * BasisPoints / int64(nonZero(uint64(m.snap.TotalCPU)))
	default:
		return int64(m.snap.AllocMemory) * BasisPoints / int64(nonZero(m.snap.TotalMemory))
	}
}

func (m *Model) Threshold(mode Mode) int64 {
	if mode == ModeCount {
		return 1
	}
	threshold := m.Target(mode) / 10
	if threshold < minThreshold {
		threshold = minThreshold
	}
	return threshold
}

func (m *Model) Classify(node *cluster.Node, mode Mode) Class {
	if node.Unreliable {
		return Balanced
	}
	util := m.UtilizationFixed(node, mode)
	target := m.Target(mode)
	threshold := m.Threshold(mode)
	switch {
	case util-target > threshold:
		return Overloaded
	case target-util > threshold:
		return Underloaded
	}
	return Balanced
}

// NeedsRebalance reports whether at least one node sits above the balance
// band.
func (m *Model) NeedsRebalance(mode Mode) bool {
	for _, node := range m.snap.Nodes {
		if m.Classify(node, mode) == Overloaded {
			return true
		}
	}
	return false
}

// SourceEligible reports whether a node may donate VMs this iteration. For
// memory and cpu that is the overload classification. Count mode keeps
// draining a source down to the exact floor target once a pass has been
// triggered, so a 6/0/0 cluster ends at 2/2/2 rather than 3/2/1.
func (m *Model) SourceEligible(node *cluster.Node, mode Mode) bool {
	if node.Unreliable {
		return false
	}
	if mode == ModeCount {
		return int64(node.VMCount) > m.Target(mode)
	}
	return m.Classify(node, mode) == Overloaded
}

// DestEligible excludes nodes whose capacity could not be trusted at
// collection time.
func (m *Model) DestEligible(node *cluster.Node) bool {
	return !node.Unreliable
}

// claim returns the amount of the mode's resource the VM occupies.
func claim(vm *cluster.VM, mode Mode) int64 {
	switch mode {
	case ModeCount:
		return 1
	case ModeCPU:
		return int64(vm.CPUs)
	default:
		return int64(vm.MaxMem)
	}
}

// ScoreMove simulates moving vm from source to dest and returns the score
// (sum of the two nodes' absolute deviations from target after the move)
// together with both post-move utilizations.
func (m *Model) ScoreMove(vm *cluster.VM, source, dest *cluster.Node, mode Mode) (score, newSource, newDest int64) {
	amount := claim(vm, mode)
	switch mode {
	case ModeCount:
		newSource = int64(source.VMCount) - amount
		newDest = int64(dest.VMCount) + amount
	case ModeCPU:
		newSource = (int64(source.AllocCPU) - amount) * BasisPoints / int64(nonZero(uint64(source.TotalCPU)))
		newDest = (int64(dest.AllocCPU) + amount) * BasisPoints / int64(nonZero(uint64(dest.TotalCPU)))
	default:
		newSource = (int64(source.AllocMemory) - amount) * BasisPoints / int64(nonZero(source.TotalMemory))
		newDest = (int64(dest.AllocMemory) + amount) * BasisPoints / int64(nonZero(dest.TotalMemory))
	}
	target := m.Target(mode)
	score = abs(newSource-target) + abs(newDest-target)
	return score, newSource, newDest
}

// GuardAllows rejects moves that would push the destination past
// target + 2*threshold. The guard applies uniformly, HA VMs included.
func (m *Model) GuardAllows(newDest int64, mode Mode) bool {
	return newDest <= m.Target(mode)+2*m.Threshold(mode)
}

// TotalDeviation is the cluster imbalance metric: the sum of every node's
// absolute deviation from target.
func (m *Model) TotalDeviation(mode Mode) int64 {
	target := m.Target(mode)
	var sum int64
	for _, node := range m.snap.Nodes {
		sum += abs(m.UtilizationFixed(node, mode) - target)
	}
	return sum
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func nonZero(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}
