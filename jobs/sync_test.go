package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/agora-connector/internal/agora"
	"github.com/odyssey-erp/agora-connector/internal/connections"
	jobmetrics "github.com/odyssey-erp/agora-connector/internal/jobs"
	"github.com/odyssey-erp/agora-connector/internal/ledger"
	"github.com/odyssey-erp/agora-connector/internal/masterdata"
	"github.com/odyssey-erp/agora-connector/internal/publisher"
	"github.com/odyssey-erp/agora-connector/internal/shared"
	"github.com/odyssey-erp/agora-connector/internal/tickets"
)

type fakeEngines struct {
	mu           sync.Mutex
	conns        []*connections.Connection
	calls        []string
	days         []time.Time
	failFor      int64
	failErr      error
	disconnected []int64
}

func (f *fakeEngines) note(call string, conn *connections.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if conn != nil && conn.ID == f.failFor {
		if f.failErr != nil {
			return f.failErr
		}
		return errors.New("pos down")
	}
	return nil
}

func (f *fakeEngines) ActiveConnections(context.Context) ([]*connections.Connection, error) {
	return f.conns, nil
}

func (f *fakeEngines) MarkDisconnected(_ context.Context, id int64, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, id)
	return nil
}

func (f *fakeEngines) SyncAll(_ context.Context, conn *connections.Connection) (masterdata.Report, error) {
	return masterdata.Report{RunID: "run"}, f.note("sync", conn)
}

func (f *fakeEngines) PushPricelists(_ context.Context, conn *connections.Connection) (publisher.Report, error) {
	return publisher.Report{}, f.note("pricelists", conn)
}

func (f *fakeEngines) PushSaleCenters(_ context.Context, conn *connections.Connection) (publisher.Report, error) {
	return publisher.Report{}, f.note("salecenters", conn)
}

func (f *fakeEngines) PushProducts(_ context.Context, conn *connections.Connection, _ []int64) (publisher.Report, error) {
	return publisher.Report{}, f.note("products", conn)
}

func (f *fakeEngines) IngestDay(_ context.Context, conn *connections.Connection, day time.Time) (tickets.Report, error) {
	f.mu.Lock()
	f.days = append(f.days, day)
	f.mu.Unlock()
	return tickets.Report{}, f.note("orders", conn)
}

func (f *fakeEngines) RetryFulfillments(_ context.Context, companyID int64, limit int) (tickets.RetryReport, error) {
	return tickets.RetryReport{Attempted: limit}, f.note("retry", nil)
}

func (f *fakeEngines) ImportLosses(_ context.Context, conn *connections.Connection, _ time.Time) (tickets.LossReport, error) {
	return tickets.LossReport{}, f.note("losses", conn)
}

func (f *fakeEngines) BatchDeposits(_ context.Context, _ int64, from, to time.Time) ([]*ledger.PaymentBatch, error) {
	if from.After(to) {
		return nil, shared.ErrValidation
	}
	return nil, f.note("batches", nil)
}

func connection(id int64) *connections.Connection {
	c := &connections.Connection{Name: "Bar", State: connections.StateConnected}
	c.ID = id
	c.CompanyID = id
	return c
}

func newJob(t *testing.T, f *fakeEngines, locker ConnectionLocker) *SyncJob {
	t.Helper()
	return NewSyncJob(SyncDeps{
		Connections: f,
		MasterData:  f,
		Publisher:   f,
		Tickets:     f,
		Payments:    f,
		Locker:      locker,
		RetryLimit:  7,
	}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry())).
		WithClock(func() time.Time { return time.Date(2024, 6, 3, 21, 15, 0, 0, time.UTC) })
}

func task(t *testing.T, taskType string, payload Payload) *asynq.Task {
	t.Helper()
	tk, err := NewTask(taskType, payload)
	require.NoError(t, err)
	return tk
}

func TestFailureOnOneConnectionDoesNotStopOthers(t *testing.T) {
	f := &fakeEngines{conns: []*connections.Connection{connection(1), connection(2), connection(3)}, failFor: 2}
	job := newJob(t, f, nil)

	err := job.HandleMasterSync(context.Background(), task(t, TaskMasterSync, Payload{}))
	require.ErrorContains(t, err, "connection 2")
	require.Equal(t, []string{"sync", "sync", "sync"}, f.calls)
}

func TestUnreachablePOSMarksConnectionDisconnected(t *testing.T) {
	f := &fakeEngines{
		conns:   []*connections.Connection{connection(1), connection(2)},
		failFor: 2,
		failErr: &agora.TransportError{Op: "GET", URL: "http://pos/api/export", Err: context.DeadlineExceeded},
	}
	job := newJob(t, f, nil)

	err := job.HandleOrdersImport(context.Background(), task(t, TaskOrdersImport, Payload{}))
	require.ErrorContains(t, err, "connection 2")
	require.Equal(t, []int64{2}, f.disconnected)
}

func TestStatusFailureKeepsConnection(t *testing.T) {
	f := &fakeEngines{
		conns:   []*connections.Connection{connection(1)},
		failFor: 1,
		failErr: &agora.TransportError{Op: "GET", URL: "http://pos/api/export", StatusCode: 500},
	}
	job := newJob(t, f, nil)

	err := job.HandleMasterSync(context.Background(), task(t, TaskMasterSync, Payload{}))
	require.Error(t, err)
	require.Empty(t, f.disconnected)
}

func TestPayloadFiltersConnection(t *testing.T) {
	f := &fakeEngines{conns: []*connections.Connection{connection(1), connection(2)}}
	job := newJob(t, f, nil)

	require.NoError(t, job.HandleProductsPush(context.Background(), task(t, TaskProductsPush, Payload{ConnectionID: 2})))
	require.Equal(t, []string{"pricelists", "salecenters", "products"}, f.calls)
}

func TestOrdersImportBusinessDay(t *testing.T) {
	f := &fakeEngines{conns: []*connections.Connection{connection(1)}}
	job := newJob(t, f, nil)
	ctx := context.Background()

	require.NoError(t, job.HandleOrdersImport(ctx, task(t, TaskOrdersImport, Payload{})))
	require.NoError(t, job.HandleOrdersImport(ctx, task(t, TaskOrdersImport, Payload{BusinessDay: "2024-06-01"})))
	require.Equal(t, []time.Time{
		time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}, f.days)
}

func TestHeldLockSkipsConnection(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := shared.NewLocker(rdb, time.Minute)
	require.NoError(t, mr.Set(shared.ConnectionLockKey(1), "other-worker"))

	f := &fakeEngines{conns: []*connections.Connection{connection(1), connection(2)}}
	job := newJob(t, f, locker)

	require.NoError(t, job.HandleLossImport(context.Background(), task(t, TaskLossImport, Payload{})))
	require.Equal(t, []string{"losses"}, f.calls)
	require.True(t, mr.Exists(shared.ConnectionLockKey(1)))
	require.False(t, mr.Exists(shared.ConnectionLockKey(2)))
}

func TestFulfillmentRetryUsesLimit(t *testing.T) {
	f := &fakeEngines{}
	job := newJob(t, f, nil)
	require.NoError(t, job.HandleFulfillmentRetry(context.Background(), task(t, TaskFulfillmentRetry, Payload{})))
	require.Equal(t, []string{"retry"}, f.calls)
}

func TestBatchPaymentsPerConnection(t *testing.T) {
	f := &fakeEngines{conns: []*connections.Connection{connection(1), connection(2)}}
	job := newJob(t, f, nil)
	require.NoError(t, job.HandleBatchPayments(context.Background(), task(t, TaskBatchPayments, Payload{})))
	require.Equal(t, []string{"batches", "batches"}, f.calls)
}

func TestMalformedPayloadSkipsRetry(t *testing.T) {
	job := newJob(t, &fakeEngines{}, nil)
	err := job.HandleMasterSync(context.Background(), asynq.NewTask(TaskMasterSync, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewTaskValidation(t *testing.T) {
	_, err := NewTask("agora:unknown", Payload{})
	require.Error(t, err)
	_, err = NewTask(TaskOrdersImport, Payload{BusinessDay: "03/06/2024"})
	require.Error(t, err)
}

func TestCronRegistrations(t *testing.T) {
	regs, err := CronRegistrations(map[string]string{
		TaskMasterSync:   "0 3 * * *",
		TaskOrdersImport: "*/30 * * * *",
		TaskLossImport:   "",
	})
	require.NoError(t, err)
	require.Len(t, regs, 2)
	require.Equal(t, TaskMasterSync, regs[0].Task.Type())
	require.Equal(t, TaskOrdersImport, regs[1].Task.Type())

	_, err = CronRegistrations(map[string]string{"mail:send": "* * * * *"})
	require.Error(t, err)
}
