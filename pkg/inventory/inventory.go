package inventory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

// collectParallelism bounds the per-node fan-out.
const collectParallelism = 8

func New(tool balancer.Tool, client cluster.Client) *Collector {
	return &Collector{
		tool:   tool,
		client: client,
	}
}

func (c *Collector) Log() *logrus.Entry {
	return c.tool.Log().WithField("context", "inventory")
}

// Collect snapshots the cluster: node capacities, per-node VM lists and the
// HA resource set. Node status and VM listing run in parallel per node;
// results are merged only after every node has reported.
func (c *Collector) Collect(ctx context.Context) (*cluster.Snapshot, error) {
	names, err := c.client.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	reports := make([]nodeReport, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectParallelism)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			reports[i] = c.collectNode(gctx, name)
			return nil
		})
	}
	g.Wait()

	snapshot := cluster.NewSnapshot()
	for _, report := range reports {
		c.mergeNode(snapshot, report)
	}

	if err := c.markHA(ctx, snapshot); err != nil {
		c.Log().Warnf("HA resource list unavailable: %s", err)
	}

	return snapshot, nil
}

func (c *Collector) collectNode(ctx context.Context, name string) nodeReport {
	report := nodeReport{name: name}
	report.capacity, report.err = c.client.NodeStatus(ctx, name)
	if report.err != nil {
		return report
	}
	report.vms, report.err = c.client.ListVMs(ctx, name)
	return report
}

// mergeNode folds one node's report into the snapshot. A failed node is kept
// with zero allocations and flagged so the planner never touches it. A zero
// or missing capacity is coerced to 1 to keep the fixed-point division safe.
func (c *Collector) mergeNode(snapshot *cluster.Snapshot, report nodeReport) {
	node := &cluster.Node{
		Name:        report.name,
		TotalMemory: report.capacity.TotalMemory,
		TotalCPU:    report.capacity.TotalCPU,
	}

	if report.err != nil {
		c.Log().Warnf("Inventory for node %s failed, keeping it with zero allocations: %s", report.name, report.err)
		node.Unreliable = true
	}
	if node.TotalMemory == 0 {
		if !node.Unreliable {
			c.Log().Warnf("Node %s reports zero memory capacity", report.name)
		}
		node.TotalMemory = 1
		node.Unreliable = true
	}
	if node.TotalCPU == 0 {
		if !node.Unreliable {
			c.Log().Warnf("Node %s reports zero cpu capacity", report.name)
		}
		node.TotalCPU = 1
		node.Unreliable = true
	}
	snapshot.AddNode(node)

	for _, info := range report.vms {
		vm := &cluster.VM{
			ID:     info.VMID,
			Name:   info.Name,
			Node:   report.name,
			MaxMem: info.MaxMem,
			CPUs:   vcpuClaim(info),
			Status: info.Status,
		}
		if previous, duplicate := snapshot.AddVM(vm); duplicate {
			c.Log().Warnf("VM %d reported by both %s and %s, keeping %s", vm.ID, previous, report.name, report.name)
		}
	}
}

// vcpuClaim resolves the vCPU claim as cpus, falling back to maxcpu and
// finally 1.
func vcpuClaim(info cluster.VMInfo) int {
	if info.CPUs > 0 {
		return info.CPUs
	}
	if info.MaxCPU > 0 {
		return info.MaxCPU
	}
	return 1
}

func (c *Collector) markHA(ctx context.Context, snapshot *cluster.Snapshot) error {
	sids, err := c.client.ListHAResources(ctx)
	if err != nil {
		return err
	}
	for _, sid := range sids {
		id, ok := parseVMSid(sid)
		if !ok {
			continue
		}
		if vm, ok := snapshot.VMs[id]; ok {
			vm.HA = true
		}
	}
	return nil
}

// parseVMSid extracts the vmid from an HA resource id of the form "vm:<id>".
func parseVMSid(sid string) (int, bool) {
	rest, ok := strings.CutPrefix(sid, "vm:")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}
