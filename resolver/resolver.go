// Package resolver implements the Name Resolution Service of spec §4.H: a
// small pool of worker goroutines that resolve hostnames synchronously via
// the standard resolver and reply with an address-record array or an
// OS-error record, as a host's message loop would see on a worker port.
//
// The reply shape here ([]AddressRecord / *OSError) does not reuse
// eventhandler.PortSink: PortSink's Message only ever carries a socket
// event's int32 mask or a timer's null post (spec §4.A), not an array of
// resolved addresses, so the worker port is modelled as its own typed
// request/reply channel pair instead of being forced through PortSink.
package resolver

import (
	"context"
	"net"
	"time"

	catrate "github.com/joeycumines/go-catrate"
)

// FamilyHint selects which address families LookupIPAddr should return, per
// spec §6's "family_hint ∈ {-1, 0(IPv4), 1(IPv6)}".
type FamilyHint int32

const (
	FamilyAny FamilyHint = -1
	FamilyV4  FamilyHint = 0
	FamilyV6  FamilyHint = 1
)

// AddressRecord is one element of a successful reply's array, per spec §6:
// `[int32 family, string printable, bytes raw_sockaddr]`.
type AddressRecord struct {
	Family    FamilyHint
	Printable string
	Raw       []byte
}

// OSError is the error-record shape of spec §6: `[int32 kind, int32 code,
// string message]`. Kind distinguishes resolver-level failures (no such
// host, rate limited) from the underlying OS/network error.
type OSError struct {
	Kind    int32
	Code    int32
	Message string
}

func (e *OSError) Error() string { return e.Message }

const (
	// KindNotFound covers net.DNSError "not found" results.
	KindNotFound int32 = iota
	// KindRateLimited is returned when the per-hostname throttle rejects a
	// lookup before it ever reaches the resolver.
	KindRateLimited
	// KindOther covers any other lookup failure.
	KindOther
)

// Request is a lookup request as routed from a script's [LOOKUP=0, host,
// family_hint] array (spec §4.H); Op is carried for symmetry with the wire
// format even though Resolver only ever implements LOOKUP.
type Request struct {
	Op         int32
	Host       string
	FamilyHint FamilyHint
}

// Reply carries either a populated Addresses slice or a non-nil Err, never
// both.
type Reply struct {
	Addresses []AddressRecord
	Err       *OSError
}

// job pairs a Request with the channel its Reply should land on; the
// channel is always buffered by 1 so a worker never blocks handing the
// reply back even if the original caller has stopped waiting.
type job struct {
	req   Request
	reply chan Reply
}

// Resolver is the worker-port pool of spec §4.H: a fixed number of
// goroutines pull jobs off a shared queue and resolve them synchronously,
// "to parallelise across concurrent listeners" without any single lookup
// blocking another's worker.
type Resolver struct {
	jobs    chan job
	done    chan struct{}
	limiter *catrate.Limiter
	lookup  func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Option configures a Resolver at construction.
type Option interface{ apply(*resolverOptions) }

type resolverOptions struct {
	workers int
	rates   map[time.Duration]int
}

type optionFunc func(*resolverOptions)

func (f optionFunc) apply(o *resolverOptions) { f(o) }

// WithWorkers overrides the default worker-port pool size of 16.
func WithWorkers(n int) Option {
	return optionFunc(func(o *resolverOptions) { o.workers = n })
}

// WithRateLimits overrides the default per-hostname throttle (10 lookups
// per second per hostname).
func WithRateLimits(rates map[time.Duration]int) Option {
	return optionFunc(func(o *resolverOptions) { o.rates = rates })
}

// New starts a Resolver with a pool of worker goroutines. Call Close to
// stop them.
func New(opts ...Option) *Resolver {
	o := resolverOptions{
		workers: 16,
		rates:   map[time.Duration]int{time.Second: 10},
	}
	for _, opt := range opts {
		opt.apply(&o)
	}

	r := &Resolver{
		jobs:    make(chan job),
		done:    make(chan struct{}),
		limiter: catrate.NewLimiter(o.rates),
		lookup:  net.DefaultResolver.LookupIPAddr,
	}
	for i := 0; i < o.workers; i++ {
		go r.worker()
	}
	return r
}

// Close stops the worker pool. A Lookup already handed to a worker still
// completes; any other Lookup, pending or new, returns a "resolver closed"
// error.
func (r *Resolver) Close() { close(r.done) }

// Lookup submits host for synchronous resolution on a worker goroutine and
// blocks for the reply, honouring ctx cancellation. Per spec §4.H, repeated
// lookups of the same hostname are throttled (go-catrate, SPEC_FULL §4's
// wiring #1) before ever reaching the worker pool, since a misbehaving
// script spamming the same hostname must not flood the resolver thread.
func (r *Resolver) Lookup(ctx context.Context, req Request) Reply {
	if _, allowed := r.limiter.Allow(req.Host); !allowed {
		return Reply{Err: &OSError{Kind: KindRateLimited, Message: "lookup rate exceeded for " + req.Host}}
	}

	reply := make(chan Reply, 1)
	select {
	case r.jobs <- job{req: req, reply: reply}:
	case <-ctx.Done():
		return Reply{Err: &OSError{Kind: KindOther, Message: ctx.Err().Error()}}
	case <-r.done:
		return Reply{Err: &OSError{Kind: KindOther, Message: "resolver closed"}}
	}

	select {
	case rep := <-reply:
		return rep
	case <-ctx.Done():
		return Reply{Err: &OSError{Kind: KindOther, Message: ctx.Err().Error()}}
	}
}

func (r *Resolver) worker() {
	for {
		select {
		case <-r.done:
			return
		case j := <-r.jobs:
			j.reply <- r.resolve(j.req)
		}
	}
}

func (r *Resolver) resolve(req Request) Reply {
	addrs, err := r.lookup(context.Background(), req.Host)
	if err != nil {
		kind := KindOther
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.IsNotFound {
			kind = KindNotFound
		}
		return Reply{Err: &OSError{Kind: kind, Message: err.Error()}}
	}

	records := make([]AddressRecord, 0, len(addrs))
	for _, a := range addrs {
		rec, ok := toRecord(a, req.FamilyHint)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	return Reply{Addresses: records}
}

func toRecord(a net.IPAddr, hint FamilyHint) (AddressRecord, bool) {
	if ip4 := a.IP.To4(); ip4 != nil {
		if hint == FamilyV6 {
			return AddressRecord{}, false
		}
		return AddressRecord{Family: FamilyV4, Printable: a.IP.String(), Raw: append([]byte(nil), ip4...)}, true
	}
	if hint == FamilyV4 {
		return AddressRecord{}, false
	}
	ip16 := a.IP.To16()
	return AddressRecord{Family: FamilyV6, Printable: a.IP.String(), Raw: append([]byte(nil), ip16...)}, true
}
