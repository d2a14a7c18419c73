package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"region-similarity/internal/earthengine"
	"region-similarity/internal/features"
	"region-similarity/internal/messages"
	"region-similarity/internal/retry"
	"region-similarity/internal/variables"
)

// Engine is the remote compute service as seen by the session.
type Engine interface {
	ComputeValue(ctx context.Context, n *earthengine.Node, out any) error
	CreateMap(ctx context.Context, img earthengine.Image, vis earthengine.Visualization) (string, error)
}

// Options configure a Dispatcher.
type Options struct {
	Logger   *zap.Logger
	Messages *messages.Log
	Retry    retry.Policy
	// MaxConcurrent bounds background jobs in flight.
	MaxConcurrent int64
	// LayerURL turns a map id into a tile URL template for views.
	LayerURL func(mapID string) string
}

// Pending completes when the background part of a command has been
// applied or has failed.
type Pending struct {
	done chan struct{}
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func donePending(err error) *Pending {
	p := newPending()
	p.finish(err)
	return p
}

func (p *Pending) finish(err error) {
	p.err = err
	close(p.done)
}

// Wait blocks until the command has fully completed.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed on completion.
func (p *Pending) Done() <-chan struct{} { return p.done }

// job is the background part of a command. run never touches State; it
// returns a function the dispatcher applies to State afterwards.
type job struct {
	label   string
	run     func(ctx context.Context) (func(*State) error, error)
	cleanup func(*State)
}

type result struct {
	gen     uint64
	pending *Pending
	apply   func(*State) error
	cleanup func(*State)
	err     error
}

type envelope struct {
	cmd   Command
	read  func(*State) (any, error)
	reply chan reply
}

type reply struct {
	pending *Pending
	value   any
	err     error
}

// Dispatcher exclusively owns the session State. Commands arrive on the
// inbox, background results on the results channel; both are applied by the
// Run goroutine only.
type Dispatcher struct {
	engine   Engine
	logger   *zap.Logger
	msgs     *messages.Log
	policy   retry.Policy
	maxJobs  int64
	sem      *semaphore.Weighted
	layerURL func(string) string

	inbox   chan envelope
	results chan result

	// Owned by Run
	state *State
	gen   uint64

	// Event emission callbacks
	onView  func(View)
	onReset func(View)

	ctx     context.Context
	workers sync.WaitGroup
	stopped chan struct{}
}

// NewDispatcher creates a dispatcher for a fresh session.
func NewDispatcher(engine Engine, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Messages == nil {
		opts.Messages = messages.NewLog(nil)
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.LayerURL == nil {
		opts.LayerURL = func(id string) string { return id }
	}
	return &Dispatcher{
		engine:   engine,
		logger:   opts.Logger.Named("dispatcher"),
		msgs:     opts.Messages,
		policy:   opts.Retry,
		maxJobs:  opts.MaxConcurrent,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		layerURL: opts.LayerURL,
		inbox:    make(chan envelope),
		results:  make(chan result),
		state:    NewState(),
		stopped:  make(chan struct{}),
	}
}

// SetCallbacks sets view event callbacks. Call before Run.
func (d *Dispatcher) SetCallbacks(onView, onReset func(View)) {
	d.onView = onView
	d.onReset = onReset
}

// Messages returns the shared message log.
func (d *Dispatcher) Messages() *messages.Log { return d.msgs }

// Run applies commands and background results until ctx is cancelled, then
// waits for background jobs to drain.
func (d *Dispatcher) Run(ctx context.Context) {
	d.ctx = ctx
	defer close(d.stopped)
	for {
		select {
		case env := <-d.inbox:
			d.handle(env)
		case res := <-d.results:
			d.applyResult(res)
		case <-ctx.Done():
			go func() {
				d.workers.Wait()
				close(d.results)
			}()
			for res := range d.results {
				res.pending.finish(ErrShutdown)
			}
			return
		}
	}
}

// Submit hands a command to the dispatcher. The returned error covers the
// synchronous checks; background failures are reported by Pending.Wait.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) (*Pending, error) {
	r, err := d.send(ctx, envelope{cmd: cmd, reply: make(chan reply, 1)})
	if err != nil {
		return nil, err
	}
	return r.pending, r.err
}

// read runs fn on the dispatcher goroutine.
func (d *Dispatcher) read(ctx context.Context, fn func(*State) (any, error)) (any, error) {
	r, err := d.send(ctx, envelope{read: fn, reply: make(chan reply, 1)})
	if err != nil {
		return nil, err
	}
	return r.value, r.err
}

func (d *Dispatcher) send(ctx context.Context, env envelope) (reply, error) {
	select {
	case d.inbox <- env:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-d.stopped:
		return reply{}, ErrShutdown
	}
	select {
	case r := <-env.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (d *Dispatcher) handle(env envelope) {
	var r reply
	func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("command panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
				r = reply{err: fmt.Errorf("internal error: %v", p)}
			}
		}()
		if env.read != nil {
			r.value, r.err = env.read(d.state)
			return
		}
		j, err := d.apply(env.cmd)
		if err != nil {
			r.err = err
			return
		}
		if j == nil {
			r.pending = donePending(nil)
		} else {
			r.pending = d.start(j)
		}
		switch env.cmd.(type) {
		case Reset, adopt:
		default:
			d.emitView()
		}
	}()
	if r.err != nil && env.cmd != nil {
		d.logger.Debug("command rejected", zap.String("command", env.cmd.commandName()), zap.Error(r.err))
	}
	env.reply <- r
}

// start runs j in its own goroutine under the semaphore.
func (d *Dispatcher) start(j *job) *Pending {
	p := newPending()
	gen := d.gen
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		res := result{gen: gen, pending: p, cleanup: j.cleanup}

		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			res.err = err
		} else {
			res.apply, res.err = d.runJob(j)
			d.sem.Release(1)
		}

		select {
		case d.results <- res:
		case <-d.ctx.Done():
			p.finish(ErrShutdown)
		}
	}()
	return p
}

func (d *Dispatcher) runJob(j *job) (apply func(*State) error, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("background job panicked",
				zap.String("job", j.label), zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	d.logger.Debug("background job started", zap.String("job", j.label))
	return j.run(d.ctx)
}

func (d *Dispatcher) applyResult(res result) {
	if res.gen != d.gen {
		res.pending.finish(ErrStale)
		return
	}
	err := res.err
	if err == nil && res.apply != nil {
		err = res.apply(d.state)
	}
	if err != nil {
		if res.cleanup != nil {
			res.cleanup(d.state)
		}
		d.logger.Warn("background job failed", zap.Error(err))
		d.msgs.Error(UserMessage(err))
	}
	d.emitView()
	res.pending.finish(err)
}

// retry wraps fn with the dispatcher's policy, reporting attempts to the log.
func (d *Dispatcher) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, d.policy, func(msg string) { d.msgs.Warn(msg) }, fn)
}

// createLayer renders img with retry.
func (d *Dispatcher) createLayer(ctx context.Context, kind LayerKind, name string, img earthengine.Image, vis earthengine.Visualization) (Layer, error) {
	var id string
	err := d.retry(ctx, func(ctx context.Context) error {
		var err error
		id, err = d.engine.CreateMap(ctx, img, vis)
		return err
	})
	if err != nil {
		return Layer{}, err
	}
	return Layer{Kind: kind, Name: name, MapID: id, Vis: vis}, nil
}

func (d *Dispatcher) emitView() {
	if d.onView != nil {
		d.onView(d.view())
	}
}

// userTexts are the message log wording of errors the user can act on.
var userTexts = []struct {
	err  error
	text string
}{
	{ErrNoQueryRegion, "No query region found. Please set the query region."},
	{ErrNoReferenceRegion, "No reference region found. Please set the reference region."},
	{ErrNoAliases, "No aliases found. Please add at least one alias."},
	{ErrNoResult, "Run a search or clustering first."},
	{ErrNoSearch, "Run a search first."},
	{ErrInputsChanged, "Inputs changed while the analysis was running. Please run it again."},
	{variables.ErrNoData, "No data available for the selected region and time period."},
	{variables.ErrMissingSource, "Please select a dataset and layer."},
	{features.ErrEmpty, "Please enter a UDF."},
	{features.ErrMalformed, "Please enter a valid UDF expression. Template: `" + features.Template + "`."},
}

// UserMessage formats an error for the message log.
func UserMessage(err error) string {
	for _, u := range userTexts {
		if errors.Is(err, u.err) {
			return u.text
		}
	}
	return fmt.Sprintf("Error: %v", err)
}
