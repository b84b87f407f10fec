// Package bulk runs the deployment work for many sites at once under a
// bounded worker pool. A single batch may be active at a time; finished
// batches stay queryable until the process exits.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ablqvist/slipway/internal/history"
	"github.com/ablqvist/slipway/internal/logging"
	"github.com/ablqvist/slipway/internal/registry"
)

var (
	// ErrBatchActive is returned by Start while another batch is running.
	ErrBatchActive = errors.New("a bulk deployment is already running")

	// ErrNoSites is returned when the selector matches nothing.
	ErrNoSites = errors.New("no sites match the selection")

	// ErrBatchNotFound is returned for progress/log queries on unknown ids.
	ErrBatchNotFound = errors.New("batch not found")
)

// TaskRunner executes the per-site work. The orchestrator implements it by
// delegating to the local pipeline and the domain provisioner.
type TaskRunner interface {
	RunLocal(ctx context.Context, site registry.SiteRecord) error
	RunDomain(ctx context.Context, site registry.SiteRecord) error
}

// Options parameterizes one batch.
type Options struct {
	// SiteIDs selects explicit registry records. When empty the selection
	// falls back to StatusFilter.
	SiteIDs []string

	// StatusFilter applies when SiteIDs is empty: "pending" (the default)
	// selects every site not yet locally live, "failed" only failed ones,
	// "all" everything.
	StatusFilter string

	DoLocal  bool
	DoDomain bool

	// Concurrency bounds simultaneously running tasks. Values below one
	// are clamped to one.
	Concurrency int
}

// batch is the coordinator's internal record of one run.
type batch struct {
	id     string
	stream *history.Stream

	mu              sync.Mutex
	tasks           map[string]*TaskProgress
	running         bool
	cancelRequested bool

	done chan struct{}
}

func (b *batch) setTask(domain, step string, status TaskStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.tasks[domain]
	t.Step = step
	t.Status = status
	t.UpdatedAt = time.Now()
}

func (b *batch) cancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelRequested
}

// snapshot copies the task map and recomputes the summary under the lock.
func (b *batch) snapshot() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	tasks := make(map[string]TaskProgress, len(b.tasks))
	var sum Summary
	for domain, t := range b.tasks {
		tasks[domain] = *t
		switch t.Status {
		case StatusPending:
			sum.Pending++
		case StatusInProgress:
			sum.InProgress++
		case StatusCompleted:
			sum.Completed++
		case StatusFailed:
			sum.Failed++
		case StatusSkipped:
			sum.Skipped++
		}
	}
	return Progress{
		BatchID: b.id,
		Tasks:   tasks,
		Summary: sum,
		Total:   len(tasks),
		Running: b.running,
	}
}

// Coordinator owns batch scheduling. All methods are safe for concurrent use.
type Coordinator struct {
	runner   TaskRunner
	registry *registry.Registry
	sink     *history.Sink
	logger   logging.Logger

	mu      sync.Mutex
	current *batch
	batches map[string]*batch
}

// NewCoordinator returns a Coordinator with no active batch.
func NewCoordinator(runner TaskRunner, reg *registry.Registry, sink *history.Sink, logger logging.Logger) *Coordinator {
	return &Coordinator{
		runner:   runner,
		registry: reg,
		sink:     sink,
		logger:   logger.With(logging.Field{Key: "component", Value: "bulk"}),
		batches:  make(map[string]*batch),
	}
}

// Start resolves the site selection, registers a new batch and kicks off its
// scheduling loop. It returns the batch id immediately; the work proceeds in
// the background and can be awaited with Wait.
func (c *Coordinator) Start(ctx context.Context, opts Options) (string, error) {
	if !opts.DoLocal && !opts.DoDomain {
		return "", errors.New("nothing to do: neither local deploy nor domain setup requested")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	sites, err := c.resolveSites(ctx, opts)
	if err != nil {
		return "", err
	}
	if len(sites) == 0 {
		return "", ErrNoSites
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.snapshot().Running {
		return "", ErrBatchActive
	}

	id := time.Now().Format("20060102_150405")
	for i := 2; ; i++ {
		if _, taken := c.batches[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s_%d", time.Now().Format("20060102_150405"), i)
	}

	b := &batch{
		id:      id,
		stream:  c.sink.Stream(history.BatchStreamKey(id)),
		tasks:   make(map[string]*TaskProgress, len(sites)),
		running: true,
		done:    make(chan struct{}),
	}
	for _, s := range sites {
		b.tasks[s.DomainName] = &TaskProgress{Status: StatusPending, UpdatedAt: time.Now()}
	}
	c.batches[id] = b
	c.current = b

	b.stream.Append(history.Info, fmt.Sprintf(
		"starting bulk deployment of %d site(s), concurrency %d (local=%t domain=%t)",
		len(sites), opts.Concurrency, opts.DoLocal, opts.DoDomain))
	c.logger.Info("bulk batch started",
		logging.Field{Key: "batch_id", Value: id},
		logging.Field{Key: "sites", Value: len(sites)})

	go c.run(b, sites, opts)
	return id, nil
}

func (c *Coordinator) resolveSites(ctx context.Context, opts Options) ([]registry.SiteRecord, error) {
	if len(opts.SiteIDs) > 0 {
		sites := make([]registry.SiteRecord, 0, len(opts.SiteIDs))
		for _, id := range opts.SiteIDs {
			rec, err := c.registry.FindByID(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("resolving site %s: %w", id, err)
			}
			sites = append(sites, *rec)
		}
		return sites, nil
	}

	switch opts.StatusFilter {
	case "", "pending":
		// Everything not yet live: pending plus earlier failures.
		pending, err := c.registry.ListByLocalStatus(ctx, registry.LocalPending)
		if err != nil {
			return nil, err
		}
		failed, err := c.registry.ListByLocalStatus(ctx, registry.LocalFailed)
		if err != nil {
			return nil, err
		}
		return append(pending, failed...), nil
	case "failed":
		return c.registry.ListByLocalStatus(ctx, registry.LocalFailed)
	case "all":
		return c.registry.List(ctx)
	default:
		return nil, fmt.Errorf("unknown status filter %q", opts.StatusFilter)
	}
}

// run is the batch scheduling loop. Cancellation is cooperative: tasks not
// yet dispatched when Stop is called end up Skipped, while dispatched tasks
// run to their natural outcome.
func (c *Coordinator) run(b *batch, sites []registry.SiteRecord, opts Options) {
	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	for _, site := range sites {
		if b.cancelled() {
			b.setTask(site.DomainName, "batch stopped", StatusSkipped)
			b.stream.AppendSite(site.DomainName, history.Warning, "skipped: batch stopped")
			continue
		}
		sem <- struct{}{}
		if b.cancelled() {
			<-sem
			b.setTask(site.DomainName, "batch stopped", StatusSkipped)
			b.stream.AppendSite(site.DomainName, history.Warning, "skipped: batch stopped")
			continue
		}
		wg.Add(1)
		go func(site registry.SiteRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			c.runTask(b, site, opts)
		}(site)
	}
	wg.Wait()

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	close(b.done)

	p := b.snapshot()
	b.stream.Append(history.Info, fmt.Sprintf(
		"bulk deployment finished: %d completed, %d failed, %d skipped of %d",
		p.Summary.Completed, p.Summary.Failed, p.Summary.Skipped, p.Total))
	c.logger.Info("bulk batch finished",
		logging.Field{Key: "batch_id", Value: b.id},
		logging.Field{Key: "completed", Value: p.Summary.Completed},
		logging.Field{Key: "failed", Value: p.Summary.Failed},
		logging.Field{Key: "skipped", Value: p.Summary.Skipped})
}

// runTask executes one site's work. A panic or error is confined to this
// task; it never takes the batch down.
func (c *Coordinator) runTask(b *batch, site registry.SiteRecord, opts Options) {
	domain := site.DomainName
	defer func() {
		if r := recover(); r != nil {
			b.setTask(domain, "internal error", StatusFailed)
			b.stream.AppendSite(domain, history.Error, fmt.Sprintf("task panicked: %v", r))
			c.logger.Error("bulk task panicked",
				logging.Field{Key: "domain", Value: domain},
				logging.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	ctx := context.Background()

	if opts.DoLocal {
		b.setTask(domain, "local deployment", StatusInProgress)
		b.stream.AppendSite(domain, history.Info, "starting local deployment")
		if err := c.runner.RunLocal(ctx, site); err != nil {
			b.setTask(domain, "local deployment", StatusFailed)
			b.stream.AppendSite(domain, history.Error, "local deployment failed: "+err.Error())
			return
		}
		b.stream.AppendSite(domain, history.Success, "local deployment succeeded")
	}

	if opts.DoDomain {
		b.setTask(domain, "domain setup", StatusInProgress)
		b.stream.AppendSite(domain, history.Info, "starting domain setup")
		if err := c.runner.RunDomain(ctx, site); err != nil {
			b.setTask(domain, "domain setup", StatusFailed)
			b.stream.AppendSite(domain, history.Error, "domain setup failed: "+err.Error())
			return
		}
		b.stream.AppendSite(domain, history.Success, "domain setup succeeded")
	}

	b.setTask(domain, "finished", StatusCompleted)
}

// Stop requests cancellation of the current batch. Undispatched tasks will
// be skipped; tasks already running finish on their own. Returns false when
// no batch is running.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	b := c.current
	c.mu.Unlock()
	if b == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return false
	}
	if !b.cancelRequested {
		b.cancelRequested = true
		b.stream.Append(history.Warning, "stop requested: remaining sites will be skipped")
		c.logger.Warn("bulk batch stop requested", logging.Field{Key: "batch_id", Value: b.id})
	}
	return true
}

// Status reports on the current (most recent) batch.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	b := c.current
	c.mu.Unlock()
	if b == nil {
		return Status{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{IsRunning: b.running, BatchID: b.id, CancelRequested: b.cancelRequested}
}

// Progress returns a consistent snapshot of the batch's tasks and summary.
func (c *Coordinator) Progress(batchID string) (Progress, error) {
	b, err := c.find(batchID)
	if err != nil {
		return Progress{}, err
	}
	return b.snapshot(), nil
}

// Logs returns the batch's aggregated log entries so far.
func (c *Coordinator) Logs(batchID string) ([]history.Entry, error) {
	b, err := c.find(batchID)
	if err != nil {
		return nil, err
	}
	return b.stream.Snapshot(), nil
}

// Subscribe attaches a live listener to the batch's log stream.
func (c *Coordinator) Subscribe(batchID string) (<-chan history.Entry, func(), error) {
	b, err := c.find(batchID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := b.stream.Subscribe()
	return ch, cancel, nil
}

// Wait blocks until the batch has finished. It returns immediately for
// batches that already completed.
func (c *Coordinator) Wait(batchID string) error {
	b, err := c.find(batchID)
	if err != nil {
		return err
	}
	<-b.done
	return nil
}

func (c *Coordinator) find(batchID string) (*batch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[batchID]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return b, nil
}
