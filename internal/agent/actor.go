package agent

import (
	"context"
	"sync"
	"time"

	"github.com/corvid-labs/corvid/pkg/models"
)

type outcome struct {
	resp *Response
	err  error
}

type request struct {
	ctx   context.Context
	text  string
	opts  Options
	reply chan outcome
}

// Actor owns one session. All session state mutation happens on its
// goroutine; callers interact through Process, which serializes messages
// via the inbox.
type Actor struct {
	deps    Deps
	session *models.Session
	history []models.Turn
	started bool

	inbox chan request
	stop  chan struct{}
	done  chan struct{}

	mu         sync.Mutex
	inFlight   context.CancelFunc
	lastActive time.Time
}

// newActor creates and starts the actor goroutine. A resumed session (with
// prior history) does not re-emit session_start.
func newActor(deps Deps, session *models.Session, history []models.Turn) *Actor {
	a := &Actor{
		deps:       deps,
		session:    session,
		history:    history,
		started:    len(history) > 0,
		inbox:      make(chan request),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case req := <-a.inbox:
			procCtx, cancel := context.WithCancel(req.ctx)
			a.setInFlight(cancel)
			resp, err := a.process(procCtx, req.text, req.opts)
			a.setInFlight(nil)
			cancel()
			a.touch()
			req.reply <- outcome{resp: resp, err: err}
		case <-a.stop:
			return
		}
	}
}

// Process submits one message to the actor and waits for the outcome. If
// ctx is cancelled before the actor picks the message up, Process returns
// the context error; cancellation of in-flight work is cooperative and
// yields a cancelled terminal error instead.
func (a *Actor) Process(ctx context.Context, text string, opts Options) (*Response, error) {
	req := request{ctx: ctx, text: text, opts: opts, reply: make(chan outcome, 1)}
	select {
	case a.inbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.stop:
		return nil, &TerminalError{Kind: KindCancelled, Detail: "session closed"}
	}
	out := <-req.reply
	return out.resp, out.err
}

// Cancel aborts any in-flight LLM call, tool execution, or swarm spawned by
// the current message. Queued messages are unaffected.
func (a *Actor) Cancel() {
	a.mu.Lock()
	cancel := a.inFlight
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// shutdown stops the actor goroutine and waits for it to drain.
func (a *Actor) shutdown() {
	a.Cancel()
	close(a.stop)
	<-a.done
}

func (a *Actor) setInFlight(cancel context.CancelFunc) {
	a.mu.Lock()
	a.inFlight = cancel
	a.mu.Unlock()
}

func (a *Actor) touch() {
	a.mu.Lock()
	a.lastActive = time.Now()
	a.mu.Unlock()
}

func (a *Actor) idleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActive
}
