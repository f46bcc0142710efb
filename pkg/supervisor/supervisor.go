package supervisor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

const (
	defaultPollInterval = 3 * time.Second

	// HA migrations get extra headroom: failover orchestration can hold the
	// task well past the plain migration time.
	defaultTimeout   = 120 * time.Second
	defaultHATimeout = 180 * time.Second
)

func New(tool balancer.Tool, client cluster.Client, clk clock.WithTicker) *Supervisor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Supervisor{
		tool:         tool,
		client:       client,
		clock:        clk,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
		haTimeout:    defaultHATimeout,
	}
}

func (s *Supervisor) Log() *logrus.Entry {
	return s.tool.Log().WithField("context", "supervisor")
}

// Execute drives one migration through its task lifecycle: submit, poll the
// task status until it stops, classify the exit. The snapshot is never
// touched here; the planner applies the move on Success. On Timeout the task
// is left running, it may yet finish on its own.
func (s *Supervisor) Execute(ctx context.Context, migration cluster.Migration, vmStatus string, ha bool) Outcome {
	// The snapshot status may be minutes old by now, so ask the node again
	// before deciding between online and offline migration.
	name := ""
	if current, err := s.client.VMStatus(ctx, migration.Source, migration.VMID); err == nil && current.Status != "" {
		vmStatus = current.Status
		name = current.Name
	}
	online := vmStatus == cluster.StatusRunning
	if name != "" {
		s.Log().Debugf("VM %d is %s (%s)", migration.VMID, name, vmStatus)
	}

	task, err := s.client.StartMigration(ctx, migration.Source, migration.VMID, migration.Target, online)
	if err != nil || task == "" {
		s.Log().Errorf("Migration start for VM %d on %s failed: %s", migration.VMID, migration.Source, err)
		return Outcome{Result: StartFailed, Err: err}
	}
	s.Log().Infof("Migration task %s started for VM %d: %s -> %s (online=%t ha=%t)",
		task, migration.VMID, migration.Source, migration.Target, online, ha)

	deadline := s.clock.Now().Add(s.deadlineFor(ha))
	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		<-ticker.C()

		state, err := s.client.TaskStatus(ctx, migration.Source, task)
		if err != nil {
			s.Log().Warnf("Task %s status poll failed: %s", task, err)
		} else if !state.Running {
			if state.ExitStatus == cluster.ExitOK {
				s.Log().Infof("Migration of VM %d to %s finished", migration.VMID, migration.Target)
				return Outcome{Result: Success, ExitStatus: state.ExitStatus}
			}
			s.Log().Errorf("Migration of VM %d failed with exit status %s", migration.VMID, state.ExitStatus)
			return Outcome{Result: MigrationFailed, ExitStatus: state.ExitStatus}
		}

		if !s.clock.Now().Before(deadline) {
			s.Log().Warnf("Migration of VM %d still running after %s, giving up on waiting", migration.VMID, s.deadlineFor(ha))
			return Outcome{Result: Timeout}
		}
	}
}

func (s *Supervisor) deadlineFor(ha bool) time.Duration {
	if ha {
		return s.haTimeout
	}
	return s.timeout
}
