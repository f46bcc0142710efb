package proxmox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	proxmoxapi "github.com/luthermonson/go-proxmox"
	"github.com/sirupsen/logrus"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

// New builds a cluster.Client over the Proxmox HTTP API using API token
// authentication.
func New(tool balancer.Tool, endpoint, tokenID, secret string, insecureTLS bool) *Proxmox {
	httpClient := &http.Client{}
	if insecureTLS {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client := proxmoxapi.NewClient(endpoint,
		proxmoxapi.WithHTTPClient(httpClient),
		proxmoxapi.WithAPIToken(tokenID, secret),
	)

	return &Proxmox{
		tool:   tool,
		client: client,
	}
}

func (p *Proxmox) Log() *logrus.Entry {
	return p.tool.Log().WithField("context", "proxmox")
}

func (p *Proxmox) ListNodes(ctx context.Context) ([]string, error) {
	var entries []nodeEntry
	if err := p.client.Get(ctx, "/nodes", &entries); err != nil {
		return nil, p.wrap("list nodes", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Node == "" {
			continue
		}
		names = append(names, entry.Node)
	}
	return names, nil
}

func (p *Proxmox) NodeStatus(ctx context.Context, node string) (cluster.NodeCapacity, error) {
	if node == "" {
		return cluster.NodeCapacity{}, cluster.NewAPIError(cluster.InvalidArgument, "node status", fmt.Errorf("empty node name"))
	}
	var status nodeStatus
	if err := p.client.Get(ctx, fmt.Sprintf("/nodes/%s/status", url.PathEscape(node)), &status); err != nil {
		return cluster.NodeCapacity{}, p.wrap("node status", err)
	}
	return cluster.NodeCapacity{
		TotalMemory: status.Memory.Total,
		TotalCPU:    status.CPUInfo.CPUs,
	}, nil
}

func (p *Proxmox) ListVMs(ctx context.Context, node string) ([]cluster.VMInfo, error) {
	var entries []vmEntry
	if err := p.client.Get(ctx, fmt.Sprintf("/nodes/%s/qemu", url.PathEscape(node)), &entries); err != nil {
		return nil, p.wrap("list vms", err)
	}
	vms := make([]cluster.VMInfo, 0, len(entries))
	for _, entry := range entries {
		vms = append(vms, cluster.VMInfo{
			VMID:   entry.VMID,
			Name:   entry.Name,
			MaxMem: entry.MaxMem,
			CPUs:   entry.CPUs,
			MaxCPU: entry.MaxCPU,
			Status: entry.Status,
		})
	}
	return vms, nil
}

func (p *Proxmox) VMStatus(ctx context.Context, node string, vmid int) (cluster.VMRuntime, error) {
	var current vmCurrent
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/current", url.PathEscape(node), vmid)
	if err := p.client.Get(ctx, path, &current); err != nil {
		return cluster.VMRuntime{}, p.wrap("vm status", err)
	}
	return cluster.VMRuntime{Name: current.Name, Status: current.Status}, nil
}

func (p *Proxmox) ListHAResources(ctx context.Context) ([]string, error) {
	var resources []haResource
	if err := p.client.Get(ctx, "/cluster/ha/resources", &resources); err != nil {
		return nil, p.wrap("list ha resources", err)
	}
	sids := make([]string, 0, len(resources))
	for _, resource := range resources {
		sids = append(sids, resource.SID)
	}
	return sids, nil
}

// StartMigration submits a migration task and returns its UPID. Not
// idempotent: a retry after an ambiguous failure may start a second task.
func (p *Proxmox) StartMigration(ctx context.Context, source string, vmid int, target string, online bool) (cluster.TaskRef, error) {
	if source == "" || target == "" || vmid <= 0 {
		return "", cluster.NewAPIError(cluster.InvalidArgument, "start migration",
			fmt.Errorf("source=%q target=%q vmid=%d", source, target, vmid))
	}
	params := map[string]interface{}{
		"target": target,
	}
	if online {
		params["online"] = 1
	}
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/migrate", url.PathEscape(source), vmid)
	if err := p.client.Post(ctx, path, params, &upid); err != nil {
		return "", p.wrap("start migration", err)
	}
	if upid == "" {
		return "", cluster.NewAPIError(cluster.RemoteError, "start migration", fmt.Errorf("no task id in response"))
	}
	return cluster.TaskRef(upid), nil
}

func (p *Proxmox) TaskStatus(ctx context.Context, node string, task cluster.TaskRef) (cluster.TaskState, error) {
	var status taskStatus
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(string(task)))
	if err := p.client.Get(ctx, path, &status); err != nil {
		return cluster.TaskState{}, p.wrap("task status", err)
	}
	return cluster.TaskState{
		Running:    status.Status == cluster.StatusRunning,
		ExitStatus: status.ExitStatus,
	}, nil
}

// wrap maps go-proxmox errors onto the client failure taxonomy.
func (p *Proxmox) wrap(op string, err error) error {
	kind := cluster.RemoteError
	switch {
	case proxmoxapi.IsNotFound(err):
		kind = cluster.NotFound
	case proxmoxapi.IsNotAuthorized(err):
		kind = cluster.PermissionDenied
	case proxmoxapi.IsTimeout(err):
		kind = cluster.Unavailable
	}
	return cluster.NewAPIError(kind, op, err)
}

// MoveDisk submits a move-disk task for one VM disk to another storage. Used
// by the disk migration tool, not part of the engine's client surface.
func (p *Proxmox) MoveDisk(ctx context.Context, node string, vmid int, disk, storage string) (cluster.TaskRef, error) {
	if disk == "" || storage == "" {
		return "", cluster.NewAPIError(cluster.InvalidArgument, "move disk",
			fmt.Errorf("disk=%q storage=%q", disk, storage))
	}
	params := map[string]interface{}{
		"disk":    disk,
		"storage": storage,
		"delete":  1,
	}
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/move_disk", url.PathEscape(node), vmid)
	if err := p.client.Post(ctx, path, params, &upid); err != nil {
		return "", p.wrap("move disk", err)
	}
	return cluster.TaskRef(upid), nil
}
