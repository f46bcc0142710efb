package cluster

import "context"

// Client is the capability set the engine needs from the Proxmox control
// plane. A test double satisfying it is enough to exercise the whole engine.
type Client interface {
	ListNodes(ctx context.Context) ([]string, error)
	NodeStatus(ctx context.Context, node string) (NodeCapacity, error)
	ListVMs(ctx context.Context, node string) ([]VMInfo, error)
	VMStatus(ctx context.Context, node string, vmid int) (VMRuntime, error)
	ListHAResources(ctx context.Context) ([]string, error)
	StartMigration(ctx context.Context, source string, vmid int, target string, online bool) (TaskRef, error)
	TaskStatus(ctx context.Context, node string, task TaskRef) (TaskState, error)
}

// TaskRef is an opaque task handle (a Proxmox UPID).
type TaskRef string

type NodeCapacity struct {
	TotalMemory uint64
	TotalCPU    int
}

type VMInfo struct {
	VMID   int
	Name   string
	MaxMem uint64
	CPUs   int
	MaxCPU int
	Status string
}

type VMRuntime struct {
	Name   string
	Status string
}

type TaskState struct {
	Running    bool
	ExitStatus string
}

const (
	StatusRunning = "running"
	StatusStopped = "stopped"

	// ExitOK is the exit status of a successfully finished task.
	ExitOK = "OK"
)
