package spread

import (
	"context"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/planner"
)

// Collector is the slice of the inventory collector the spreader needs.
type Collector interface {
	Collect(ctx context.Context) (*cluster.Snapshot, error)
}

type Spread struct {
	tool      balancer.Tool
	collector Collector
	executor  planner.Executor
}

type nodeCount struct {
	name  string
	count int
}

type assignment struct {
	node  string
	slots int
}
