package planner

import (
	"context"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/supervisor"
)

// Executor commits one planned migration. Satisfied by supervisor.Supervisor.
type Executor interface {
	Execute(ctx context.Context, migration cluster.Migration, vmStatus string, ha bool) supervisor.Outcome
}

type Planner struct {
	tool balancer.Tool

	maxMigrations          int
	maxConsecutiveFailures int
}

// Summary is the pass result handed back to the operator shell.
type Summary struct {
	Planned   []cluster.Migration
	Succeeded int

	StartFailed     int
	MigrationFailed int
	TimedOut        int

	Cancelled bool
}

// Failures is the total count of migrations that did not finish cleanly.
func (s Summary) Failures() int {
	return s.StartFailed + s.MigrationFailed + s.TimedOut
}
