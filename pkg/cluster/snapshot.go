package cluster

import "sort"

// Node is one hypervisor host with its capacity and the allocation derived
// from the VMs currently assigned to it.
type Node struct {
	Name        string
	TotalMemory uint64
	TotalCPU    int
	AllocMemory uint64
	AllocCPU    int
	VMCount     int

	// Unreliable marks a node whose capacity was missing or whose inventory
	// call failed. Such a node is never a migration source or destination.
	Unreliable bool
}

type VM struct {
	ID     int
	Name   string
	Node   string
	MaxMem uint64
	CPUs   int
	Status string
	HA     bool
}

// Migration is one planned move.
type Migration struct {
	VMID   int
	Source string
	Target string
}

// Snapshot is the in-memory cluster model for one rebalancing pass. It is
// built once by the collector, mutated by the planner after each successful
// migration and discarded at the end of the pass.
type Snapshot struct {
	Nodes map[string]*Node
	VMs   map[int]*VM

	TotalMemory uint64
	TotalCPU    int
	AllocMemory uint64
	AllocCPU    int
	VMTotal     int
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Nodes: make(map[string]*Node),
		VMs:   make(map[int]*VM),
	}
}

func (s *Snapshot) AddNode(n *Node) {
	s.Nodes[n.Name] = n
	s.TotalMemory += n.TotalMemory
	s.TotalCPU += n.TotalCPU
}

// AddVM assigns vm to its node, updating node and cluster allocations. When
// the VM was already present on another node (a race with an in-flight
// migration at collect time) the last report wins and the previous owner is
// returned so the caller can log the discrepancy.
func (s *Snapshot) AddVM(vm *VM) (previous string, duplicate bool) {
	if existing, ok := s.VMs[vm.ID]; ok {
		previous = existing.Node
		duplicate = true
		if node, ok := s.Nodes[existing.Node]; ok {
			node.AllocMemory -= existing.MaxMem
			node.AllocCPU -= existing.CPUs
			node.VMCount--
		}
		s.AllocMemory -= existing.MaxMem
		s.AllocCPU -= existing.CPUs
		s.VMTotal--
	}

	s.VMs[vm.ID] = vm
	if node, ok := s.Nodes[vm.Node]; ok {
		node.AllocMemory += vm.MaxMem
		node.AllocCPU += vm.CPUs
		node.VMCount++
	}
	s.AllocMemory += vm.MaxMem
	s.AllocCPU += vm.CPUs
	s.VMTotal++
	return previous, duplicate
}

// ApplyMigration reassigns the VM and moves its claims from the source node
// to the target node. Cluster totals are conserved.
func (s *Snapshot) ApplyMigration(m Migration) {
	vm, ok := s.VMs[m.VMID]
	if !ok {
		return
	}
	if source, ok := s.Nodes[m.Source]; ok {
		source.AllocMemory -= vm.MaxMem
		source.AllocCPU -= vm.CPUs
		source.VMCount--
	}
	if target, ok := s.Nodes[m.Target]; ok {
		target.AllocMemory += vm.MaxMem
		target.AllocCPU += vm.CPUs
		target.VMCount++
	}
	vm.Node = m.Target
}

// NodeNames returns the node names sorted for deterministic iteration.
func (s *Snapshot) NodeNames() []string {
	names := make([]string, 0, len(s.Nodes))
	for name := range s.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VMsOn returns the VMs assigned to node sorted by id.
func (s *Snapshot) VMsOn(node string) []*VM {
	var vms []*VM
	for _, vm := range s.VMs {
		if vm.Node == node {
			vms = append(vms, vm)
		}
	}
	sort.Slice(vms, func(i, j int) bool {
		return vms[i].ID < vms[j].ID
	})
	return vms
}

// Clone deep-copies the snapshot so a dry-run plan can simulate migrations
// without touching the live model.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot()
	out.TotalMemory = s.TotalMemory
	out.TotalCPU = s.TotalCPU
	out.AllocMemory = s.AllocMemory
	out.AllocCPU = s.AllocCPU
	out.VMTotal = s.VMTotal
	for name, node := range s.Nodes {
		copied := *node
		out.Nodes[name] = &copied
	}
	for id, vm := range s.VMs {
		copied := *vm
		out.VMs[id] = &copied
	}
	return out
}
