package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/protocol"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Do(_ context.Context, req protocol.Request) (protocol.Response, error) {
	args := m.Called(req)
	return args.Get(0).(protocol.Response), args.Error(1)
}

func ofType(rt protocol.RequestType) any {
	return mock.MatchedBy(func(r protocol.Request) bool { return r.Type == rt })
}

func forTarget(rt protocol.RequestType, id string) any {
	return mock.MatchedBy(func(r protocol.Request) bool { return r.Type == rt && r.TargetID == id })
}

func work(ids ...string) protocol.Response {
	return protocol.Response{Status: protocol.StatusOK, TargetIDs: ids}
}

var (
	ok        = protocol.Response{Status: protocol.StatusOK}
	retry     = protocol.Response{Status: protocol.StatusRetry}
	terminate = protocol.Response{Status: protocol.StatusTerminate}
)

type fakeEngine struct {
	mu       sync.Mutex
	results  map[string]error
	partial  crawler.Payload
	loginErr error
	logins   int
	closed   bool
}

func (e *fakeEngine) Login(context.Context, string, string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logins++
	return e.loginErr
}

func (e *fakeEngine) Fetch(_ context.Context, id string) (crawler.Payload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.results[id]; err != nil {
		return nil, err
	}
	return crawler.Payload{"timeline": []byte("<html>" + id + "</html>")}, nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type engineSeq struct {
	engines []*fakeEngine
	made    int
}

func (s *engineSeq) factory() (crawler.FetchEngine, error) {
	if s.made >= len(s.engines) {
		return nil, errors.New("no more engines")
	}
	e := s.engines[s.made]
	s.made++
	return e, nil
}

func newLoop(t *testing.T, tr Transport, seq *engineSeq, maxFailures int) *Loop {
	t.Helper()
	l, err := New(tr, seq.factory, Config{MaxConsecutiveFailures: maxFailures}, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestRunDeliversUntilTerminate(t *testing.T) {
	t.Parallel()

	tr := &mockTransport{}
	tr.On("Do", ofType(protocol.RequestWork)).Return(work("a"), nil).Once()
	tr.On("Do", forTarget(protocol.DeliverResult, "a")).Return(ok, nil).Once()
	tr.On("Do", ofType(protocol.RequestWork)).Return(retry, nil).Once()
	tr.On("Do", ofType(protocol.RequestWork)).Return(terminate, nil).Once()

	engine := &fakeEngine{}
	seq := &engineSeq{engines: []*fakeEngine{engine}}
	require.NoError(t, newLoop(t, tr, seq, 3).Run(context.Background()))

	tr.AssertExpectations(t)
	assert.Equal(t, 1, engine.logins)
	assert.True(t, engine.closed)
}

func TestRequestsConfiguredBatchSize(t *testing.T) {
	t.Parallel()

	tr := &mockTransport{}
	tr.On("Do", mock.MatchedBy(func(r protocol.Request) bool {
		return r.Type == protocol.RequestWork && r.BatchSize == 3
	})).Return(work("a", "b"), nil).Once()
	tr.On("Do", forTarget(protocol.DeliverResult, "a")).Return(ok, nil).Once()
	tr.On("Do", forTarget(protocol.DeliverResult, "b")).Return(ok, nil).Once()
	tr.On("Do", ofType(protocol.RequestWork)).Return(terminate, nil).Once()

	seq := &engineSeq{engines: []*fakeEngine{{}}}
	l, err := New(tr, seq.factory, Config{MaxConsecutiveFailures: 1, BatchSize: 3}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))
	tr.AssertExpectations(t)
}

func TestTransportErrorsAreRetried(t *testing.T) {
	t.Parallel()

	tr := &mockTransport{}
	down := fmt.Errorf("%w: dial: connection refused", protocol.ErrTransport)
	tr.On("Do", ofType(protocol.RequestWork)).Return(protocol.Response{}, down).Twice()
	tr.On("Do", ofType(protocol.RequestWork)).Return(terminate, nil).Once()

	seq := &engineSeq{engines: []*fakeEngine{{}}}
	require.NoError(t, newLoop(t, tr, seq, 1).Run(context.Background()))
	tr.AssertNumberOfCalls(t, "Do", 3)
}

func TestEngineCrashReportsAndRestarts(t *testing.T) {
	t.Parallel()

	partial := crawler.Payload{"timeline": []byte("<html>half")}
	first := &fakeEngine{results: map[string]error{
		"a": crawler.NewEngineFatal(errors.New("browser gone"), partial),
	}}
	second := &fakeEngine{}

	tr := &mockTransport{}
	tr.On("Do", ofType(protocol.RequestWork)).Return(work("a", "b"), nil).Once()
	tr.On("Do", mock.MatchedBy(func(r protocol.Request) bool {
		return r.Type == protocol.ReportFailure && r.TargetID == "a" && string(r.Payload["timeline"]) == "<html>half"
	})).Return(ok, nil).Once()
	tr.On("Do", forTarget(protocol.DeliverResult, "b")).Return(ok, nil).Once()
	tr.On("Do", ofType(protocol.RequestWork)).Return(terminate, nil).Once()

	seq := &engineSeq{engines: []*fakeEngine{first, second}}
	require.NoError(t, newLoop(t, tr, seq, 1).Run(context.Background()))

	tr.AssertExpectations(t)
	assert.Equal(t, 2, seq.made)
	assert.True(t, first.closed)
	assert.Equal(t, 1, second.logins)
}

func TestAbortsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{results: map[string]error{
		"a": crawler.NewTargetError(errors.New("timeout"), nil),
		"b": errors.New("timeout"),
	}}
	tr := &mockTransport{}
	tr.On("Do", ofType(protocol.RequestWork)).Return(work("a"), nil).Once()
	tr.On("Do", forTarget(protocol.ReportFailure, "a")).Return(ok, nil).Once()
	tr.On("Do", ofType(protocol.RequestWork)).Return(work("b"), nil).Once()

	err := newLoop(t, tr, &engineSeq{engines: []*fakeEngine{engine}}, 2).Run(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	tr.AssertExpectations(t)
	tr.AssertNotCalled(t, "Do", forTarget(protocol.ReportFailure, "b"))
}

func TestSuccessfulDeliveryResetsFailureCount(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{results: map[string]error{
		"a": errors.New("timeout"),
		"c": errors.New("timeout"),
	}}
	tr := &mockTransport{}
	tr.On("Do", ofType(protocol.RequestWork)).Return(work("a"), nil).Once()
	tr.On("Do", forTarget(protocol.ReportFailure, "a")).Return(ok, nil).Once()
	tr.On("Do", ofType(protocol.RequestWork)).Return(work("b"), nil).Once()
	tr.On("Do", forTarget(protocol.DeliverResult, "b")).Return(ok, nil).Once()
	tr.On("Do", ofType(protocol.RequestWork)).Return(work("c"), nil).Once()
	tr.On("Do", forTarget(protocol.ReportFailure, "c")).Return(ok, nil).Once()
	tr.On("Do", ofType(protocol.RequestWork)).Return(terminate, nil).Once()

	require.NoError(t, newLoop(t, tr, &engineSeq{engines: []*fakeEngine{engine}}, 2).Run(context.Background()))
	tr.AssertExpectations(t)
}

func TestLoginFailureAborts(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{loginErr: errors.New("bad credentials")}
	tr := &mockTransport{}

	err := newLoop(t, tr, &engineSeq{engines: []*fakeEngine{engine}}, 1).Run(context.Background())
	require.ErrorIs(t, err, ErrAborted)
	assert.True(t, engine.closed)
	tr.AssertNotCalled(t, "Do", mock.Anything)
}

func TestServerErrorsAbort(t *testing.T) {
	t.Parallel()

	t.Run("work request", func(t *testing.T) {
		t.Parallel()
		tr := &mockTransport{}
		tr.On("Do", ofType(protocol.RequestWork)).Return(protocol.Errorf("boom"), nil).Once()
		err := newLoop(t, tr, &engineSeq{engines: []*fakeEngine{{}}}, 1).Run(context.Background())
		require.ErrorIs(t, err, ErrAborted)
	})

	t.Run("failure report", func(t *testing.T) {
		t.Parallel()
		engine := &fakeEngine{results: map[string]error{"a": errors.New("timeout")}}
		tr := &mockTransport{}
		tr.On("Do", ofType(protocol.RequestWork)).Return(work("a"), nil).Once()
		tr.On("Do", forTarget(protocol.ReportFailure, "a")).Return(protocol.Errorf("no such target"), nil).Once()
		err := newLoop(t, tr, &engineSeq{engines: []*fakeEngine{engine}}, 5).Run(context.Background())
		require.ErrorIs(t, err, ErrAborted)
	})

	t.Run("delivery", func(t *testing.T) {
		t.Parallel()
		tr := &mockTransport{}
		tr.On("Do", ofType(protocol.RequestWork)).Return(work("a"), nil).Once()
		tr.On("Do", forTarget(protocol.DeliverResult, "a")).Return(protocol.Errorf("storage failure"), nil).Once()
		err := newLoop(t, tr, &engineSeq{engines: []*fakeEngine{{}}}, 5).Run(context.Background())
		require.ErrorIs(t, err, ErrAborted)
	})
}

func TestCancelDuringBackoffStopsCleanly(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr := &mockTransport{}
	tr.On("Do", ofType(protocol.RequestWork)).Return(retry, nil).Run(func(mock.Arguments) { calls.Add(1) })

	l, err := New(tr, (&engineSeq{engines: []*fakeEngine{{}}}).factory,
		Config{Backoff: time.Hour, MaxConsecutiveFailures: 1}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool {
		return calls.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestActionString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "continue", ActionContinue.String())
	assert.Equal(t, "restart", ActionRestart.String())
	assert.Equal(t, "abort", ActionAbort.String())
	assert.Equal(t, "terminate", ActionTerminate.String())
}
