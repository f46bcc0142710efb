package supervisor

import (
	"time"

	"k8s.io/utils/clock"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

// Result is the terminal state of one supervised migration.
type Result int

const (
	Success Result = iota
	StartFailed
	MigrationFailed
	Timeout
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case StartFailed:
		return "start failed"
	case MigrationFailed:
		return "migration failed"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

// Outcome carries the result together with the task exit status (for
// MigrationFailed) and the underlying error where one exists.
type Outcome struct {
	Result     Result
	ExitStatus string
	Err        error
}

type Supervisor struct {
	tool   balancer.Tool
	client cluster.Client
	clock  clock.WithTicker

	pollInterval time.Duration
	timeout      time.Duration
	haTimeout    time.Duration
}
