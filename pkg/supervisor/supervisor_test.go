package supervisor

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"

	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
)

type fakeTool struct {
	entry *logrus.Entry
}

func (f fakeTool) Version() string    { return "test" }
func (f fakeTool) Log() *logrus.Entry { return f.entry }

func newFakeTool() balancer.Tool {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return fakeTool{entry: logrus.NewEntry(logger)}
}

// fakeClient completes the migration task at a fixed point on the virtual
// clock, or never when finishAfter is zero.
type fakeClient struct {
	clock *clocktesting.FakeClock
	start time.Time

	startErr    error
	finishAfter time.Duration
	exitStatus  string
	runtime     cluster.VMRuntime

	startedOnline bool
	started       bool
}

func (f *fakeClient) ListNodes(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeClient) NodeStatus(ctx context.Context, node string) (cluster.NodeCapacity, error) {
	return cluster.NodeCapacity{}, nil
}

func (f *fakeClient) ListVMs(ctx context.Context, node string) ([]cluster.VMInfo, error) {
	return nil, nil
}

func (f *fakeClient) VMStatus(ctx context.Context, node string, vmid int) (cluster.VMRuntime, error) {
	return f.runtime, nil
}

func (f *fakeClient) ListHAResources(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeClient) StartMigration(ctx context.Context, source string, vmid int, target string, online bool) (cluster.TaskRef, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = true
	f.startedOnline = online
	return "UPID:test:1", nil
}

func (f *fakeClient) TaskStatus(ctx context.Context, node string, task cluster.TaskRef) (cluster.TaskState, error) {
	if f.finishAfter > 0 && !f.clock.Now().Before(f.start.Add(f.finishAfter)) {
		return cluster.TaskState{Running: false, ExitStatus: f.exitStatus}, nil
	}
	return cluster.TaskState{Running: true}, nil
}

var testMigration = cluster.Migration{VMID: 101, Source: "a", Target: "b"}

// drive runs Execute in a goroutine and steps the fake clock until it
// returns, so the poll loop sees virtual time only.
func drive(t *testing.T, s *Supervisor, fc *clocktesting.FakeClock, vmStatus string, ha bool) Outcome {
	t.Helper()
	done := make(chan Outcome, 1)
	go func() {
		done <- s.Execute(context.Background(), testMigration, vmStatus, ha)
	}()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case outcome := <-done:
			return outcome
		case <-deadline:
			t.Fatal("Execute did not return")
		default:
			fc.Step(defaultPollInterval)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestExecuteSuccess(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	client := &fakeClient{clock: fc, start: fc.Now(), finishAfter: defaultPollInterval, exitStatus: cluster.ExitOK}
	s := New(newFakeTool(), client, fc)

	outcome := drive(t, s, fc, cluster.StatusStopped, false)
	assert.Equal(t, Success, outcome.Result)
	assert.Equal(t, cluster.ExitOK, outcome.ExitStatus)
	assert.False(t, client.startedOnline)
}

func TestExecuteOnlineForRunningVM(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	client := &fakeClient{clock: fc, start: fc.Now(), finishAfter: defaultPollInterval, exitStatus: cluster.ExitOK}
	s := New(newFakeTool(), client, fc)

	outcome := drive(t, s, fc, cluster.StatusRunning, false)
	assert.Equal(t, Success, outcome.Result)
	assert.True(t, client.startedOnline)
}

// The snapshot said stopped, but the node reports the VM running now: the
// migration must go online.
func TestExecuteRefreshesVMStatus(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	client := &fakeClient{
		clock:       fc,
		start:       fc.Now(),
		finishAfter: defaultPollInterval,
		exitStatus:  cluster.ExitOK,
		runtime:     cluster.VMRuntime{Name: "web1", Status: cluster.StatusRunning},
	}
	s := New(newFakeTool(), client, fc)

	outcome := drive(t, s, fc, cluster.StatusStopped, false)
	assert.Equal(t, Success, outcome.Result)
	assert.True(t, client.startedOnline)
}

func TestExecuteStartFailed(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	client := &fakeClient{clock: fc, start: fc.Now(), startErr: fmt.Errorf("no route to host")}
	s := New(newFakeTool(), client, fc)

	outcome := s.Execute(context.Background(), testMigration, cluster.StatusStopped, false)
	assert.Equal(t, StartFailed, outcome.Result)
	assert.Error(t, outcome.Err)
}

func TestExecuteMigrationFailedCarriesExitStatus(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	client := &fakeClient{clock: fc, start: fc.Now(), finishAfter: defaultPollInterval, exitStatus: "migration aborted"}
	s := New(newFakeTool(), client, fc)

	outcome := drive(t, s, fc, cluster.StatusStopped, false)
	assert.Equal(t, MigrationFailed, outcome.Result)
	assert.Equal(t, "migration aborted", outcome.ExitStatus)
}

func TestExecuteTimeout(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	client := &fakeClient{clock: fc, start: fc.Now()}
	s := New(newFakeTool(), client, fc)

	outcome := drive(t, s, fc, cluster.StatusStopped, false)
	assert.Equal(t, Timeout, outcome.Result)
}

// A task finishing at 150s of virtual time is past the ordinary deadline but
// inside the HA one.
func TestExecuteHATimeoutIsLonger(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	client := &fakeClient{clock: fc, start: fc.Now(), finishAfter: 150 * time.Second, exitStatus: cluster.ExitOK}
	s := New(newFakeTool(), client, fc)

	outcome := drive(t, s, fc, cluster.StatusStopped, true)
	assert.Equal(t, Success, outcome.Result)

	fc = clocktesting.NewFakeClock(time.Now())
	client = &fakeClient{clock: fc, start: fc.Now(), finishAfter: 150 * time.Second, exitStatus: cluster.ExitOK}
	s = New(newFakeTool(), client, fc)

	outcome = drive(t, s, fc, cluster.StatusStopped, false)
	assert.Equal(t, Timeout, outcome.Result)
}
