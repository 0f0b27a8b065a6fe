package stock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockprobe/internal/config"
	"stockprobe/internal/metrics"
	"stockprobe/pkg/model"
)

type fakeRunner struct {
	run func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error)

	mu      sync.Mutex
	batches [][]string
	dropped []model.Domain
	active  atomic.Int32
	peak    atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	asins := make([]string, len(batch))
	for i, j := range batch {
		asins[i] = j.ASIN
	}
	f.mu.Lock()
	f.batches = append(f.batches, asins)
	f.mu.Unlock()
	return f.run(ctx, batch)
}

func (f *fakeRunner) DropCSRF(ctx context.Context, d model.Domain) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, d)
}

func (f *fakeRunner) seen() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

func echo(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
	out := make([]model.StockResult, len(batch))
	for i, j := range batch {
		out[i] = model.StockResult{Stock: 10 + i, ASIN: j.ASIN}
	}
	return out, nil
}

func testOptions() Options {
	return Options{
		Timeouts: config.Timeouts{
			Idle:           time.Second,
			SequentialStep: time.Second,
			BatchBase:      time.Second,
			BatchStep:      time.Second,
			Max:            2 * time.Second,
		},
		RetryDelay: 10 * time.Millisecond,
		Debounce:   20 * time.Millisecond,
		Metrics:    metrics.New(),
	}
}

func recv(t *testing.T, ch <-chan model.StockResult) model.StockResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
		return model.StockResult{}
	}
}

func stockJob(asin, seller string) *model.StockJob {
	return &model.StockJob{ASIN: asin, SellerID: seller, OfferID: "O", Domain: model.DomainUS}
}

func TestSequentialRunsOneAtATimeInOrder(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		time.Sleep(5 * time.Millisecond)
		return echo(ctx, batch)
	}}
	s := NewSequential(r, testOptions())
	defer s.Close()

	var chans []<-chan model.StockResult
	for _, asin := range []string{"A", "B", "C"} {
		job := stockJob(asin, "S")
		chans = append(chans, s.Submit(context.Background(), job))
		assert.Len(t, job.GID, 8)
	}
	for i, ch := range chans {
		res := recv(t, ch)
		assert.Equal(t, []string{"A", "B", "C"}[i], res.ASIN)
	}
	assert.Equal(t, [][]string{{"A"}, {"B"}, {"C"}}, r.seen())
	assert.Equal(t, int32(1), r.peak.Load())
	assert.Equal(t, 0, s.Len())
}

func TestSequentialTimeoutAdvancesQueue(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		if batch[0].ASIN == "SLOW" {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		}
		return echo(ctx, batch)
	}}
	opts := testOptions()
	opts.Timeouts.Idle = 50 * time.Millisecond
	s := NewSequential(r, opts)
	defer s.Close()

	slow := s.Submit(context.Background(), stockJob("SLOW", "S"))
	fast := s.Submit(context.Background(), stockJob("FAST", "S"))

	res := recv(t, slow)
	assert.Equal(t, model.CodeTimeout, res.ErrorCode)
	assert.Equal(t, "FAST", recv(t, fast).ASIN)

	r.mu.Lock()
	assert.Contains(t, r.dropped, model.DomainUS)
	r.mu.Unlock()
}

func TestSequentialTimedOutJobKeepsRunning(t *testing.T) {
	finished := make(chan error, 1)
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			finished <- nil
		case <-ctx.Done():
			finished <- ctx.Err()
		}
		return echo(ctx, batch)
	}}
	opts := testOptions()
	opts.Timeouts.Idle = 30 * time.Millisecond
	s := NewSequential(r, opts)
	defer s.Close()

	res := recv(t, s.Submit(context.Background(), stockJob("SLOW", "S")))
	assert.Equal(t, model.CodeTimeout, res.ErrorCode)

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned job never finished")
	}
}

func TestSequentialRetriesRateLimitOnce(t *testing.T) {
	var calls atomic.Int32
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		if calls.Add(1) == 1 {
			assert.False(t, batch[0].IsRetry)
			return nil, &Failure{Code: model.CodeRateLimited, Retry: true}
		}
		assert.True(t, batch[0].IsRetry)
		return echo(ctx, batch)
	}}
	s := NewSequential(r, testOptions())
	defer s.Close()

	res := recv(t, s.Submit(context.Background(), stockJob("A", "S")))
	assert.False(t, res.Failed())
	assert.Equal(t, int32(2), calls.Load())
}

func TestSequentialRetryExhausted(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		return nil, &Failure{Code: model.CodeRateLimited, Message: "limited", Retry: !batch[0].IsRetry}
	}}
	s := NewSequential(r, testOptions())
	defer s.Close()

	res := recv(t, s.Submit(context.Background(), stockJob("A", "S")))
	assert.Equal(t, model.CodeRateLimited, res.ErrorCode)
	assert.Len(t, r.seen(), 2)
}

func TestSequentialClose(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := NewSequential(r, testOptions())
	first := s.Submit(context.Background(), stockJob("A", "S"))
	second := s.Submit(context.Background(), stockJob("B", "S"))
	s.Close()

	assert.Equal(t, model.CodeRequestFailed, recv(t, first).ErrorCode)
	assert.Equal(t, model.CodeRequestFailed, recv(t, second).ErrorCode)
	assert.Equal(t, model.CodeRequestFailed, recv(t, s.Submit(context.Background(), stockJob("C", "S"))).ErrorCode)
}

func TestSequentialTimeoutBudget(t *testing.T) {
	s := NewSequential(&fakeRunner{}, Options{Timeouts: config.NewConfig().Stock.Timeouts})
	assert.Equal(t, 16*time.Second, s.timeout(0))
	assert.Equal(t, 22*time.Second, s.timeout(2))
	assert.Equal(t, 60*time.Second, s.timeout(50))

	b := NewBatched(&fakeRunner{}, Options{Timeouts: config.NewConfig().Stock.Timeouts})
	assert.Equal(t, 16*time.Second, b.timeout(0))
	assert.Equal(t, 27*time.Second, b.timeout(2))
	assert.Equal(t, 60*time.Second, b.timeout(10))
}

func TestBatchedDeduplicates(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		<-release
		return echo(ctx, batch)
	}}
	b := NewBatched(r, testOptions())
	defer b.Close()

	a1 := b.Submit(context.Background(), stockJob("A", "S1"))
	dup := b.Submit(context.Background(), stockJob("A", "S1"))
	other := b.Submit(context.Background(), stockJob("A", "S2"))

	// 重复请求立即失败，首个请求仍在等待
	res := recv(t, dup)
	assert.Equal(t, model.CodeDuplicate, res.ErrorCode)
	select {
	case <-a1:
		t.Fatal("first request resolved before the runner was released")
	default:
	}

	close(release)
	assert.Equal(t, 10, recv(t, a1).Stock)
	assert.Equal(t, 11, recv(t, other).Stock)
	assert.Equal(t, [][]string{{"A", "A"}}, r.seen())
}

func TestBatchedFailureFansOut(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		return nil, &Failure{Code: model.CodeCartFailed, Message: "cart failed"}
	}}
	b := NewBatched(r, testOptions())
	defer b.Close()

	x := b.Submit(context.Background(), stockJob("A", "S"))
	y := b.Submit(context.Background(), stockJob("B", "S"))
	for _, ch := range []<-chan model.StockResult{x, y} {
		res := recv(t, ch)
		assert.Equal(t, model.CodeCartFailed, res.ErrorCode)
		assert.Equal(t, "cart failed", res.Error)
	}
}

func TestBatchedRetriesWholeBatch(t *testing.T) {
	var calls atomic.Int32
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		if calls.Add(1) == 1 {
			return nil, &Failure{Code: model.CodeRateLimited, Retry: true}
		}
		for _, j := range batch {
			assert.True(t, j.IsRetry)
		}
		return echo(ctx, batch)
	}}
	b := NewBatched(r, testOptions())
	defer b.Close()

	x := b.Submit(context.Background(), stockJob("A", "S"))
	y := b.Submit(context.Background(), stockJob("B", "S"))
	assert.Equal(t, 10, recv(t, x).Stock)
	assert.Equal(t, 11, recv(t, y).Stock)
	assert.Len(t, r.seen(), 2)
}

func TestBatchedTimeout(t *testing.T) {
	r := &fakeRunner{run: func(ctx context.Context, batch []*model.StockJob) ([]model.StockResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	opts := testOptions()
	opts.Timeouts.Idle = 50 * time.Millisecond
	b := NewBatched(r, opts)
	defer b.Close()

	res := recv(t, b.Submit(context.Background(), stockJob("A", "S")))
	assert.Equal(t, model.CodeTimeout, res.ErrorCode)
}
