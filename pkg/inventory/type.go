package inventory

import (
	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

type Collector struct {
	tool   balancer.Tool
	client cluster.Client
}

// nodeReport carries one node's inventory back from the collection fan-out.
type nodeReport struct {
	name     string
	capacity cluster.NodeCapacity
	vms      []cluster.VMInfo
	err      error
}
