package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	rerrors "github.com/vango-dev/approuter/internal/errors"
	"github.com/vango-dev/approuter/pkg/flight"
	"github.com/vango-dev/approuter/pkg/history"
	"github.com/vango-dev/approuter/pkg/prefetch"
	"github.com/vango-dev/approuter/pkg/reducer"
)

// Router applies navigation actions to a single state.
type Router struct {
	config    *Config
	logger    *slog.Logger
	fetcher   flight.Fetcher
	actions   ActionCaller
	browser   history.Browser
	history   *history.Synchronizer
	popstate  *history.PopstateHandler
	registry  *Registry
	reduce    ReduceFunc
	now       func() time.Time
	userAgent string

	prefetch       *prefetch.Cache
	prefetchConfig *prefetch.Config
	prefetchOpts   []prefetch.Option

	middleware []Middleware

	mu      sync.RWMutex
	state   reducer.State
	subs    map[uint64]func(reducer.State)
	nextSub uint64

	queue   chan envelope
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	work    workCounter
	mounted atomic.Bool
	closed  atomic.Bool

	// Owned by the router goroutine.
	current *Transition
	replies map[uint64]chan actionReply
}

type envelope struct {
	action     reducer.Action
	transition *Transition
	reply      chan actionReply
}

type actionReply struct {
	resp *flight.Response
	err  error
}

// New creates a router for the page described by init. init.Prefetch and
// init.Dev are set by the router.
func New(init reducer.Init, opts ...Option) (*Router, error) {
	r := &Router{
		config:   DefaultConfig(),
		logger:   slog.Default(),
		registry: DefaultRegistry,
		now:      time.Now,
		subs:     make(map[uint64]func(reducer.State)),
		replies:  make(map[uint64]chan actionReply),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.fetcher == nil {
		return nil, rerrors.Newf(rerrors.CategoryUsage, "router: a fetcher is required").
			WithSuggestion("Pass router.WithFetcher(...) to router.New")
	}
	if init.URL == nil || init.Tree == nil {
		return nil, rerrors.Newf(rerrors.CategoryUsage, "router: initial URL and tree are required")
	}
	if r.config.QueueSize <= 0 {
		r.config.QueueSize = DefaultConfig().QueueSize
	}
	if r.config.FetchTimeout <= 0 {
		r.config.FetchTimeout = DefaultConfig().FetchTimeout
	}

	r.logger = r.logger.With("component", "router")
	if r.browser == nil {
		r.browser = history.NewMemoryBrowser(init.URL)
	}
	if r.prefetch == nil {
		popts := append([]prefetch.Option{prefetch.WithLogger(r.logger), prefetch.WithClock(r.now)}, r.prefetchOpts...)
		r.prefetch = prefetch.New(r.fetcher, r.prefetchConfig, popts...)
	}

	init.Prefetch = r.prefetch
	init.Dev = r.config.Dev
	r.state = reducer.NewState(init)

	r.history = history.NewSynchronizer(r.browser, r.logger)
	r.popstate = history.NewPopstateHandler(r.browser, r.dispatchRestore, r.logger)
	r.reduce = Chain(reduce, r.middleware...)
	r.queue = make(chan envelope, r.config.QueueSize)
	r.done = make(chan struct{})
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

type popStateSource interface {
	OnPopState(fn func(history.PopStateEvent))
}

// Mount writes the initial history entry, starts the router goroutine and
// registers the router. Actions dispatched before Mount are processed once it
// runs.
func (r *Router) Mount() error {
	if r.closed.Load() {
		return rerrors.New("E108")
	}
	if r.mounted.Swap(true) {
		return nil
	}

	if _, err := r.history.Sync(r.State()); err != nil {
		r.logger.Error("initial history entry", "error", err)
	}
	if src, ok := r.browser.(popStateSource); ok {
		src.OnPopState(func(ev history.PopStateEvent) { r.PopState(ev) })
	}

	r.wg.Add(2)
	go r.loop()
	go func() {
		defer r.wg.Done()
		r.prefetch.Run(r.ctx)
	}()

	r.registry.mount(r)
	r.logger.Debug("mounted", "url", r.State().CanonicalURL())
	return nil
}

// Close unmounts the router. Pending transitions and server action calls fail
// with E108.
func (r *Router) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.registry.unmount(r)
	if src, ok := r.browser.(popStateSource); ok {
		src.OnPopState(nil)
	}

	r.cancel()
	close(r.done)
	r.wg.Wait()

	closedErr := rerrors.New("E108")
	if r.current != nil {
		r.current.finish(closedErr)
		r.current = nil
	}
	for seq, reply := range r.replies {
		reply <- actionReply{err: closedErr}
		delete(r.replies, seq)
	}
	for {
		select {
		case env := <-r.queue:
			r.reject(env, closedErr)
		default:
			r.logger.Debug("closed")
			return nil
		}
	}
}

// State returns the committed state.
func (r *Router) State() reducer.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Subscribe registers fn to run after every commit that changes the state.
// fn runs on the router goroutine and must not block. The returned function
// removes the subscription.
func (r *Router) Subscribe(fn func(reducer.State)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Settle blocks until no action is queued and no effect is running.
func (r *Router) Settle(ctx context.Context) error {
	select {
	case <-r.work.idle():
		return nil
	case <-r.done:
		return rerrors.New("E108")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prefetches returns the prefetch cache.
func (r *Router) Prefetches() *prefetch.Cache {
	return r.prefetch
}

// =============================================================================
// Dispatch
// =============================================================================

func (r *Router) enqueue(env envelope) error {
	if r.closed.Load() {
		return rerrors.New("E108")
	}
	r.work.add(1)
	select {
	case r.queue <- env:
		return nil
	case <-r.done:
		r.work.add(-1)
		return rerrors.New("E108")
	}
}

func (r *Router) dispatchRestore(a reducer.Action) {
	t := newTransition(a.Type(), r.now())
	if err := r.enqueue(envelope{action: a, transition: t}); err != nil {
		t.finish(err)
	}
}

func (r *Router) reject(env envelope, err error) {
	if env.transition != nil {
		env.transition.finish(err)
	}
	if env.reply != nil {
		env.reply <- actionReply{err: err}
	}
}

// loop processes queued actions one at a time.
func (r *Router) loop() {
	defer r.wg.Done()
	for {
		select {
		case env := <-r.queue:
			r.process(env)
			r.work.add(-1)

		case <-r.done:
			return
		}
	}
}

// process reduces one action and commits the result. It handles panic
// recovery so a failing reduction does not stop the router.
func (r *Router) process(env envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.logger.Error("dispatch panic",
				"action", env.action.Type(),
				"panic", rec,
				"stack", string(stack))
			err := fmt.Errorf("router: %s panicked: %v", env.action.Type(), rec)
			if re, ok := rec.(*rerrors.RouterError); ok {
				err = re
			}
			r.reject(env, err)
			r.abandon(err)
		}
	}()

	ctx := r.ctx
	if t := env.transition; t != nil {
		if cur := r.current; cur != nil && cur != t {
			cur.finish(ErrSuperseded)
			r.logger.Debug("transition superseded", "transition", cur.ID, "by", t.ID)
		}
		r.current = t
		ctx = withTransitionID(ctx, t.ID)
	} else if cur := r.current; cur != nil {
		ctx = withTransitionID(ctx, cur.ID)
	}

	prev := r.state
	next, effects := r.reduce(ctx, prev, env.action)
	next = r.commit(prev, next)

	r.logger.Debug("reduced",
		"action", env.action.Type(),
		"seq", next.Seq,
		"url", next.CanonicalURL(),
		"pending", next.Pending != nil,
		"effects", len(effects))

	r.track(env, next, effects)
	r.run(effects)
}

// abandon ends the current transition with err after a failed reduction. The
// outstanding navigation, if any, falls back to a document load so the URL
// and the committed tree cannot drift apart.
func (r *Router) abandon(err error) {
	if cur := r.current; cur != nil {
		cur.finish(err)
		r.current = nil
	}
	prev := r.state
	if prev.Pending == nil {
		return
	}
	next, effects := reducer.Abandon(prev)
	next = r.commit(prev, next)
	r.logger.Warn("navigation abandoned", "url", flight.CreateHref(next.ReloadURL), "error", err)
	r.run(effects)
}

// commit writes the history entry for next and publishes it.
func (r *Router) commit(prev, next reducer.State) reducer.State {
	if historyChanged(prev, next) {
		res, err := r.history.Sync(next)
		if err != nil {
			r.logger.Error("history sync", "error", err)
		}
		if res == history.Pushed {
			next = next.PushConsumed()
		}
	}

	r.mu.Lock()
	r.state = next
	subs := make([]func(reducer.State), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	if stateChanged(prev, next) {
		for _, fn := range subs {
			fn(next)
		}
	}
	return next
}

func historyChanged(prev, next reducer.State) bool {
	return prev.Tree != next.Tree ||
		prev.URL != next.URL ||
		prev.PushRef != next.PushRef ||
		prev.Mode != next.Mode
}

func stateChanged(prev, next reducer.State) bool {
	return historyChanged(prev, next) ||
		prev.Cache != next.Cache ||
		prev.Pending != next.Pending ||
		prev.Seq != next.Seq
}

// track completes transitions and routes server action replies.
func (r *Router) track(env envelope, next reducer.State, effects []reducer.Effect) {
	switch a := env.action.(type) {
	case reducer.ServerAction:
		issued := false
		for _, e := range effects {
			call, ok := e.(reducer.EffectServerAction)
			if !ok {
				continue
			}
			issued = true
			if env.reply != nil {
				r.replies[call.Seq] = env.reply
			}
			if env.transition != nil {
				env.transition.actionSeq = call.Seq
			}
		}
		if !issued && env.reply != nil {
			env.reply <- actionReply{err: rerrors.New("E110").WithDetail("the router is loading a new document")}
		}

	case reducer.ServerActionResolved:
		if reply, ok := r.replies[a.Seq]; ok {
			delete(r.replies, a.Seq)
			reply <- actionReply{resp: a.Response, err: a.Err}
		}
		if cur := r.current; cur != nil && cur.actionSeq == a.Seq {
			cur.actionSeq = 0
		}
	}

	cur := r.current
	if cur == nil || cur.actionSeq != 0 {
		return
	}
	if next.Pending == nil || next.Mode == reducer.ModeFullReload {
		cur.finish(nil)
		r.current = nil
	}
}

// =============================================================================
// Effects
// =============================================================================

// run executes effects. Resolving deferred nodes and clearing the prefetch
// cache happen inline; everything else runs on its own goroutine.
func (r *Router) run(effects []reducer.Effect) {
	for _, e := range effects {
		switch e := e.(type) {
		case reducer.EffectResolve:
			e.Deferred.Resolve(e.Err)
		case reducer.EffectClearPrefetch:
			r.prefetch.Clear()
		case reducer.EffectFetch:
			r.spawn(func(ctx context.Context) { r.fetch(ctx, e) })
		case reducer.EffectPrefetch:
			r.spawn(func(ctx context.Context) { r.runPrefetch(ctx, e) })
		case reducer.EffectServerAction:
			r.spawn(func(ctx context.Context) { r.callAction(ctx, e) })
		default:
			r.logger.Warn("unknown effect", "effect", fmt.Sprintf("%T", e))
		}
	}
}

func (r *Router) spawn(fn func(context.Context)) {
	r.work.add(1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.work.add(-1)
		fn(r.ctx)
	}()
}

// followUp dispatches the result of an effect. Results that arrive after
// Close are dropped.
func (r *Router) followUp(a reducer.Action) {
	if err := r.enqueue(envelope{action: a}); err != nil {
		r.logger.Debug("dropped effect result", "action", a.Type(), "error", err)
	}
}

func (r *Router) fetch(ctx context.Context, e reducer.EffectFetch) {
	ctx, cancel := context.WithTimeout(ctx, r.config.FetchTimeout)
	defer cancel()

	var (
		resp *flight.Response
		err  error
	)
	if e.Bypass {
		resp, err = r.fetcher.Fetch(ctx, e.Request)
	} else {
		resp, err = r.prefetch.Get(ctx, e.Request, prefetch.Full).Wait(ctx)
	}
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		err = fetchError(ctx, err)
		r.logger.Warn("navigation fetch failed", rerrorsAttrs(err, "seq", e.Seq, "url", flight.CreateHref(e.Request.URL))...)
	}
	r.followUp(reducer.FetchResolved{Seq: e.Seq, Response: resp, Err: err})
}

func fetchError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return rerrors.New("E105").Wrap(err)
	}
	if errors.Is(err, flight.ErrUnavailable) || errors.Is(err, flight.ErrTreeMismatch) {
		return err
	}
	return rerrors.FromError(err, "E106")
}

func rerrorsAttrs(err error, attrs ...any) []any {
	var re *rerrors.RouterError
	if errors.As(err, &re) {
		return append(attrs, re.LogAttrs()...)
	}
	return append(attrs, "error", err)
}

func (r *Router) runPrefetch(ctx context.Context, e reducer.EffectPrefetch) {
	entry, err := r.prefetch.Prefetch(ctx, e.Request, e.Kind)
	if err != nil {
		r.logger.Debug("prefetch skipped", "url", flight.CreateHref(e.Request.URL), "kind", e.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.prefetch.Config().FetchTimeout)
	defer cancel()
	if _, err := entry.Wait(ctx); err != nil {
		r.logger.Debug("prefetch failed", "url", flight.CreateHref(e.Request.URL), "kind", e.Kind, "error", err)
	}
}

func (r *Router) callAction(ctx context.Context, e reducer.EffectServerAction) {
	var (
		resp *flight.Response
		err  error
	)
	if r.actions == nil {
		err = rerrors.New("E110").WithDetail("no server action caller is configured").
			WithSuggestion("Pass router.WithActionCaller(...) to router.New")
	} else {
		resp, err = r.actions.CallAction(ctx, e.ActionID, e.Args, e.Request)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			err = rerrors.FromError(err, "E110").WithField("action", e.ActionID)
		}
	}
	if err != nil {
		r.logger.Warn("server action failed", rerrorsAttrs(err, "action", e.ActionID)...)
	}
	r.followUp(reducer.ServerActionResolved{Seq: e.Seq, Response: resp, Err: err})
}

// =============================================================================
// Work counter
// =============================================================================

// workCounter counts queued actions and running effects.
type workCounter struct {
	mu      sync.Mutex
	n       int
	waiters []chan struct{}
}

func (w *workCounter) add(d int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n += d
	if w.n == 0 {
		for _, ch := range w.waiters {
			close(ch)
		}
		w.waiters = nil
	}
}

// idle returns a channel closed once the counter reaches zero.
func (w *workCounter) idle() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{})
	if w.n == 0 {
		close(ch)
		return ch
	}
	w.waiters = append(w.waiters, ch)
	return ch
}
