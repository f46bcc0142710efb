package diskmove

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/proxmox"
)

const (
	pollInterval = 10 * time.Second

	// Disk copies move whole images between storages, so the deadline is far
	// beyond what a live migration gets.
	timeout = time.Hour
)

func New(tool balancer.Tool, client *proxmox.Proxmox) *DiskMove {
	return &DiskMove{
		tool:   tool,
		client: client,
	}
}

func (d *DiskMove) Log() *logrus.Entry {
	return d.tool.Log().WithField("context", "diskmove")
}

// Run moves one VM disk to another storage and waits for the task to finish.
func (d *DiskMove) Run(ctx context.Context, node string, vmid int, disk, storage string) error {
	d.Log().Infof("Moving disk %s of VM %d on %s to storage %s", disk, vmid, node, storage)

	task, err := d.client.MoveDisk(ctx, node, vmid, disk, storage)
	if err != nil {
		return err
	}
	d.Log().Infof("Move task %s started", task)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			state, err := d.client.TaskStatus(ctx, node, task)
			if err != nil {
				d.Log().Errorf("Task %s status poll failed: %s", task, err)
				continue
			}
			if state.Running {
				d.Log().Infof("Disk of VM %d is still moving", vmid)
				continue
			}
			if state.ExitStatus == cluster.ExitOK {
				d.Log().Infof("Disk move for VM %d is done", vmid)
				return nil
			}
			return fmt.Errorf("disk move for VM %d failed with exit status %s", vmid, state.ExitStatus)
		case <-timer.C:
			return fmt.Errorf("disk move for VM %d still running after %s", vmid, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
