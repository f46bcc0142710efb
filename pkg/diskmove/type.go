package diskmove

import (
	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/proxmox"
)

type DiskMove struct {
	tool   balancer.Tool
	client *proxmox.Proxmox
}
