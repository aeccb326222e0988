package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/engine"
	"github.com/meshcompute/compute-node/internal/model"
	"github.com/meshcompute/compute-node/internal/testutil"
)

func newExecutor(t *testing.T, eng engine.Engine, cfg Config) *Executor {
	t.Helper()
	exec, err := New(eng, cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	exec.Start(context.Background())
	t.Cleanup(func() { exec.Shutdown(time.Second) })
	return exec
}

func request(id string) *model.TaskRequest {
	return &model.TaskRequest{
		ID:       id,
		Workflow: []byte(`"echo"`),
		Model:    "m1",
		Deadline: time.Now().Add(30 * time.Second),
	}
}

func TestConfigBounds(t *testing.T) {
	_, err := New(testutil.EchoEngine(), Config{MaxConcurrent: 0, QueueDepth: 1}, zap.NewNop(), nil)
	require.Error(t, err)

	_, err = New(testutil.EchoEngine(), Config{MaxConcurrent: 4, QueueDepth: 2}, zap.NewNop(), nil)
	require.Error(t, err)
}

func TestHappyPath(t *testing.T) {
	exec := newExecutor(t, testutil.StaticEngine([]byte("ok")), Config{
		MaxConcurrent: 2, QueueDepth: 4, TaskTimeout: time.Second,
	})

	done, err := exec.Submit(request("t1"), time.Now())
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, "t1", res.ID)
		assert.Equal(t, model.TaskStatusSuccess, res.Status)
		assert.Equal(t, []byte("ok"), res.Output)
		assert.Equal(t, "m1", res.Model)
		assert.False(t, res.Stats.StartedAt.IsZero())
		assert.False(t, res.Stats.CompletedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	assert.Equal(t, uint64(1), exec.Completed())
}

func TestEngineFailureReason(t *testing.T) {
	failure := &engine.Failure{Kind: engine.FailureExecution, Message: "boom"}
	exec := newExecutor(t, testutil.FailingEngine(failure), Config{
		MaxConcurrent: 1, QueueDepth: 1, TaskTimeout: time.Second,
	})

	done, err := exec.Submit(request("t1"), time.Now())
	require.NoError(t, err)

	res := <-done
	assert.Equal(t, model.TaskStatusFailed, res.Status)
	assert.Equal(t, string(engine.FailureExecution), res.Reason)
}

func TestConcurrencyBound(t *testing.T) {
	blocking := testutil.NewBlockingEngine()
	counting := testutil.NewCountingEngine(blocking)
	exec := newExecutor(t, counting, Config{
		MaxConcurrent: 2, QueueDepth: 4, TaskTimeout: 10 * time.Second,
	})

	var chans []<-chan *model.TaskResult
	for _, id := range []string{"t1", "t2", "t3"} {
		done, err := exec.Submit(request(id), time.Now())
		require.NoError(t, err)
		chans = append(chans, done)
	}

	// Only two may start; the third waits for a free slot.
	require.Eventually(t, func() bool { return blocking.Started() == 2 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, blocking.Started())

	blocking.Release()
	for _, done := range chans {
		select {
		case res := <-done:
			assert.Equal(t, model.TaskStatusSuccess, res.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for result")
		}
	}
	assert.LessOrEqual(t, counting.MaxConcurrent(), 2)
}

func TestBackpressure(t *testing.T) {
	blocking := testutil.NewBlockingEngine()
	exec := newExecutor(t, blocking, Config{
		MaxConcurrent: 1, QueueDepth: 2, TaskTimeout: 10 * time.Second,
	})

	// Fill the running slot first so queue occupancy is deterministic.
	first, err := exec.Submit(request("t0"), time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return blocking.Started() == 1 },
		2*time.Second, 10*time.Millisecond)

	queued := []<-chan *model.TaskResult{first}
	for _, id := range []string{"t1", "t2"} {
		done, err := exec.Submit(request(id), time.Now())
		require.NoError(t, err)
		queued = append(queued, done)
	}

	// Queue is at capacity: the next submission is the backpressure signal.
	_, err = exec.Submit(request("t3"), time.Now())
	assert.ErrorIs(t, err, ErrQueueFull)

	blocking.Release()
	for _, done := range queued {
		select {
		case res := <-done:
			assert.Equal(t, model.TaskStatusSuccess, res.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for result")
		}
	}
}

func TestTimeoutFreesSlot(t *testing.T) {
	blocking := testutil.NewBlockingEngine()
	exec := newExecutor(t, blocking, Config{
		MaxConcurrent: 1, QueueDepth: 2, TaskTimeout: 200 * time.Millisecond,
	})

	done, err := exec.Submit(request("t1"), time.Now())
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, model.TaskStatusFailed, res.Status)
		assert.Equal(t, model.ReasonTimeout, res.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for timeout result")
	}

	// The slot must be free for the next task.
	blocking.Release()
	done2, err := exec.Submit(request("t2"), time.Now())
	require.NoError(t, err)
	select {
	case res := <-done2:
		assert.Equal(t, model.TaskStatusSuccess, res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("slot was not freed after timeout")
	}
}

func TestRequestDeadlineGoverns(t *testing.T) {
	blocking := testutil.NewBlockingEngine()
	exec := newExecutor(t, blocking, Config{
		MaxConcurrent: 1, QueueDepth: 1, TaskTimeout: 10 * time.Second,
	})

	req := request("t1")
	req.Deadline = time.Now().Add(100 * time.Millisecond)
	done, err := exec.Submit(req, time.Now())
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, model.TaskStatusFailed, res.Status)
		assert.Equal(t, model.ReasonTimeout, res.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("request deadline did not bound execution")
	}
}

func TestShutdownForceFailsRemaining(t *testing.T) {
	blocking := testutil.NewBlockingEngine()
	exec, err := New(blocking, Config{
		MaxConcurrent: 1, QueueDepth: 2, TaskTimeout: 10 * time.Second,
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	exec.Start(context.Background())

	running, err := exec.Submit(request("t1"), time.Now())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return blocking.Started() == 1 },
		2*time.Second, 10*time.Millisecond)

	queued, err := exec.Submit(request("t2"), time.Now())
	require.NoError(t, err)

	exec.Shutdown(50 * time.Millisecond)

	for _, done := range []<-chan *model.TaskResult{running, queued} {
		select {
		case res := <-done:
			assert.Equal(t, model.TaskStatusFailed, res.Status)
			assert.Equal(t, model.ReasonShutdown, res.Reason)
		case <-time.After(5 * time.Second):
			t.Fatal("shutdown did not produce a terminal result")
		}
	}

	_, err = exec.Submit(request("t3"), time.Now())
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownWithinGrace(t *testing.T) {
	exec, err := New(testutil.EchoEngine(), Config{
		MaxConcurrent: 2, QueueDepth: 4, TaskTimeout: time.Second,
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	exec.Start(context.Background())

	done, err := exec.Submit(request("t1"), time.Now())
	require.NoError(t, err)

	res := <-done
	require.Equal(t, model.TaskStatusSuccess, res.Status)

	exec.Shutdown(time.Second)
	assert.Equal(t, uint64(1), exec.Completed())
}
