package server

import (
	"sort"
	"strings"
	"sync"

	"github.com/citadel-dev/citadel/internal/logger"
)

// SessionEvent identifies a session lifecycle event.
type SessionEvent int

const (
	EvtStart SessionEvent = iota
	EvtStop
	EvtLogin
	EvtLogout
	EvtNewRoom
	EvtSetPass
	EvtCmd
	EvtRwho
	EvtAsync
	EvtStealth
	EvtUnstealth
	EvtTimer
	EvtHouse
	EvtShutdown
)

// ProtoFunc handles one native-protocol verb. args is everything after the
// verb and its separating space.
type ProtoFunc func(c *Context, args string)

// XmsgFunc attempts delivery of an instant message; nonzero means it was
// handled.
type XmsgFunc func(sender, senderEmail, recipient, text string) int

// FixedOutputFunc renders stored content of one content type; true means it
// produced output.
type FixedOutputFunc func(c *Context, content []byte) bool

// SearchFunc resolves a search query to message numbers.
type SearchFunc func(query string) []int64

type sessionHook struct {
	event SessionEvent
	pri   int
	seq   int
	fn    func(*Context)
}

type xmsgHook struct {
	pri int
	seq int
	fn  XmsgFunc
}

// Registry holds the hook tables and the verb dispatch map. Registration
// happens during startup, before any session runs; traversal order is
// priority, then registration order, and never changes afterwards.
type Registry struct {
	mu sync.RWMutex

	seq         int
	sessions    []sessionHook
	xmsgs       []xmsgHook
	protos      map[string]ProtoFunc
	fixedOutput map[string]FixedOutputFunc
	searches    map[string]SearchFunc
	services    []*Service
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		protos:      make(map[string]ProtoFunc),
		fixedOutput: make(map[string]FixedOutputFunc),
		searches:    make(map[string]SearchFunc),
	}
}

// OnSession registers a hook for one session event. Lower priority runs
// first; ties break by registration order.
func (r *Registry) OnSession(event SessionEvent, pri int, fn func(*Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.sessions = append(r.sessions, sessionHook{event: event, pri: pri, seq: r.seq, fn: fn})
	sort.SliceStable(r.sessions, func(i, j int) bool {
		if r.sessions[i].pri != r.sessions[j].pri {
			return r.sessions[i].pri < r.sessions[j].pri
		}
		return r.sessions[i].seq < r.sessions[j].seq
	})
}

// FireSession runs every hook registered for the event.
func (r *Registry) FireSession(c *Context, event SessionEvent) {
	r.mu.RLock()
	hooks := r.sessions
	r.mu.RUnlock()
	for _, h := range hooks {
		if h.event == event {
			h.fn(c)
		}
	}
}

// OnXmsg registers an instant-message delivery hook.
func (r *Registry) OnXmsg(pri int, fn XmsgFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.xmsgs = append(r.xmsgs, xmsgHook{pri: pri, seq: r.seq, fn: fn})
	sort.SliceStable(r.xmsgs, func(i, j int) bool {
		if r.xmsgs[i].pri != r.xmsgs[j].pri {
			return r.xmsgs[i].pri < r.xmsgs[j].pri
		}
		return r.xmsgs[i].seq < r.xmsgs[j].seq
	})
}

// SendXmsg offers an instant message to the delivery hooks. Within a
// priority class every hook runs; once any hook in a class reports
// delivery, lower-priority classes are skipped.
func (r *Registry) SendXmsg(sender, senderEmail, recipient, text string) int {
	r.mu.RLock()
	hooks := r.xmsgs
	r.mu.RUnlock()

	delivered := 0
	i := 0
	for i < len(hooks) {
		pri := hooks[i].pri
		classSum := 0
		for i < len(hooks) && hooks[i].pri == pri {
			classSum += hooks[i].fn(sender, senderEmail, recipient, text)
			i++
		}
		delivered += classSum
		if classSum != 0 {
			break
		}
	}
	return delivered
}

// OnProto registers a native-protocol verb handler. Verbs are four
// uppercase characters; a duplicate registration is a programming error
// and the later one wins with a log line.
func (r *Registry) OnProto(verb string, fn ProtoFunc) {
	verb = strings.ToUpper(verb)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.protos[verb]; dup {
		logger.Warn("protocol verb re-registered", logger.Verb(verb))
	}
	r.protos[verb] = fn
}

// Proto resolves a verb handler.
func (r *Registry) Proto(verb string) (ProtoFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.protos[strings.ToUpper(verb)]
	return fn, ok
}

// OnFixedOutput registers a render-on-the-fly handler for a content type.
func (r *Registry) OnFixedOutput(contentType string, fn FixedOutputFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fixedOutput[strings.ToLower(contentType)] = fn
}

// FixedOutput renders content through a registered handler; false when no
// handler claims the type.
func (r *Registry) FixedOutput(c *Context, contentType string, content []byte) bool {
	r.mu.RLock()
	fn, ok := r.fixedOutput[strings.ToLower(contentType)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return fn(c, content)
}

// OnSearch registers a named full-text search provider.
func (r *Registry) OnSearch(name string, fn SearchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searches[name] = fn
}

// Search runs a named provider; nil when unregistered.
func (r *Registry) Search(name, query string) []int64 {
	r.mu.RLock()
	fn, ok := r.searches[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return fn(query)
}

// AddService registers a listener-backed service. Binding happens when the
// server starts.
func (r *Registry) AddService(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = append(r.services, svc)
}

// Services returns the registered services in registration order.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Service(nil), r.services...)
}
