package event

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newContextID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Transaction is a unit of work bound to a context. Steps that take part in
// it must run on the goroutine that owns it.
type Transaction interface {
	ID() string
}

// CompletionFunc observes the terminal signal of a context. ev is nil for an
// empty result or a failure.
type CompletionFunc func(ev *Event, err error)

// Context is the completion contract of one logical request. It is completed
// exactly once, by Success or Error. It terminates once it is completed and
// every child context has terminated.
type Context struct {
	id        string
	flowName  string
	parent    *Context
	createdAt time.Time

	mu          sync.Mutex
	completed   bool
	terminated  bool
	result      *Event
	err         error
	children    []*Context
	pending     int
	onResponse  []CompletionFunc
	onTerminate []CompletionFunc
	tx          Transaction
	canceled    bool

	done         chan struct{}
	terminatedCh chan struct{}
	cancelCh     chan struct{}
}

// NewContext creates a root context for a request entering flowName.
func NewContext(flowName string) *Context {
	return &Context{
		id:           newContextID(),
		flowName:     flowName,
		createdAt:    time.Now(),
		done:         make(chan struct{}),
		terminatedCh: make(chan struct{}),
		cancelCh:     make(chan struct{}),
	}
}

// NewChildContext creates a context that completes into parent: the parent
// does not terminate until the child has.
func NewChildContext(parent *Context) *Context {
	child := NewContext(parent.flowName)
	child.parent = parent

	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.pending++
	canceled := parent.canceled
	parent.mu.Unlock()

	if canceled {
		child.Cancel()
	}
	return child
}

func (c *Context) ID() string           { return c.id }
func (c *Context) FlowName() string     { return c.flowName }
func (c *Context) Parent() *Context     { return c.parent }
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Root walks up to the context that owns the request.
func (c *Context) Root() *Context {
	root := c
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// Done is closed once the context is completed and its response callbacks
// have returned.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Terminated is closed once the context and all its children are complete.
func (c *Context) Terminated() <-chan struct{} {
	return c.terminatedCh
}

// IsCompleted reports whether Success or Error was called.
func (c *Context) IsCompleted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}

// Result returns the terminal outcome. It is only meaningful after Done.
func (c *Context) Result() (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Success completes the context with ev, which may be nil for an empty result.
func (c *Context) Success(ev *Event) error {
	return c.complete(ev, nil)
}

// Error completes the context with err.
func (c *Context) Error(err error) error {
	return c.complete(nil, err)
}

func (c *Context) complete(ev *Event, err error) error {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return ErrAlreadyCompleted
	}
	c.completed = true
	c.result = ev
	c.err = err
	listeners := c.onResponse
	c.onResponse = nil
	c.mu.Unlock()

	for _, l := range listeners {
		l(ev, err)
	}
	close(c.done)
	c.tryTerminate()
	return nil
}

func (c *Context) tryTerminate() {
	c.mu.Lock()
	if !c.completed || c.pending > 0 || c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	listeners := c.onTerminate
	c.onTerminate = nil
	ev, err := c.result, c.err
	c.children = nil
	close(c.terminatedCh)
	c.mu.Unlock()

	for _, l := range listeners {
		l(ev, err)
	}
	if c.parent != nil {
		c.parent.childTerminated()
	}
}

func (c *Context) childTerminated() {
	c.mu.Lock()
	c.pending--
	c.mu.Unlock()
	c.tryTerminate()
}

// OnResponse registers fn to be called when the context completes. If it
// already has, fn runs immediately.
func (c *Context) OnResponse(fn CompletionFunc) {
	c.mu.Lock()
	if c.completed {
		ev, err := c.result, c.err
		c.mu.Unlock()
		fn(ev, err)
		return
	}
	c.onResponse = append(c.onResponse, fn)
	c.mu.Unlock()
}

// OnTerminated registers fn to be called once the context terminates.
func (c *Context) OnTerminated(fn CompletionFunc) {
	c.mu.Lock()
	if c.terminated {
		ev, err := c.result, c.err
		c.mu.Unlock()
		fn(ev, err)
		return
	}
	c.onTerminate = append(c.onTerminate, fn)
	c.mu.Unlock()
}

// BindTransaction attaches tx to the context. Children see it through
// Transaction unless they bind their own.
func (c *Context) BindTransaction(tx Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tx = tx
}

// UnbindTransaction detaches the current transaction.
func (c *Context) UnbindTransaction() {
	c.BindTransaction(nil)
}

// Transaction returns the transaction bound to this context or its closest
// ancestor.
func (c *Context) Transaction() Transaction {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.Lock()
		tx := cur.tx
		cur.mu.Unlock()
		if tx != nil {
			return tx
		}
	}
	return nil
}

// Cancel signals cancellation to the context and its children.
func (c *Context) Cancel() {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return
	}
	c.canceled = true
	children := append([]*Context(nil), c.children...)
	close(c.cancelCh)
	c.mu.Unlock()

	for _, child := range children {
		child.Cancel()
	}
}

// Canceled is closed when Cancel is called on this context or an ancestor.
func (c *Context) Canceled() <-chan struct{} {
	return c.cancelCh
}
