package rest

import (
	"context"

	"github.com/labstack/echo"
	"github.com/patrickmn/go-cache"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

// Collector is the slice of the inventory collector the API needs.
type Collector interface {
	Collect(ctx context.Context) (*cluster.Snapshot, error)
}

type Echo struct {
	*echo.Echo
	tool      balancer.Tool
	collector Collector
	cache     *cache.Cache
}

type NodeSummary struct {
	Name        string `json:"name"`
	TotalMemory uint64 `json:"total_memory"`
	TotalCPU    int    `json:"total_cpu"`
	AllocMemory uint64 `json:"alloc_memory"`
	AllocCPU    int    `json:"alloc_cpu"`
	VMCount     int    `json:"vm_count"`
	Unreliable  bool   `json:"unreliable,omitempty"`
}

type NodeReport struct {
	Name           string `json:"name"`
	Utilization    int64  `json:"utilization"`
	Classification string `json:"classification"`
}

type Report struct {
	Mode           string       `json:"mode"`
	Target         int64        `json:"target"`
	Threshold      int64        `json:"threshold"`
	NeedsRebalance bool         `json:"needs_rebalance"`
	Nodes          []NodeReport `json:"nodes"`
}

type SimpleResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
