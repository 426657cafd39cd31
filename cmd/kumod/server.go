package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kumomta/kumod-core/framework/log"
	"github.com/kumomta/kumod-core/internal/admin"
	"github.com/kumomta/kumod-core/internal/dispatcher"
	"github.com/kumomta/kumod-core/internal/egress"
	"github.com/kumomta/kumod-core/internal/ingress"
	"github.com/kumomta/kumod-core/internal/lifecycle"
	"github.com/kumomta/kumod-core/internal/logsink"
	"github.com/kumomta/kumod-core/internal/message"
	proxyprotocol "github.com/kumomta/kumod-core/internal/proxy_protocol"
	"github.com/kumomta/kumod-core/internal/readyq"
	"github.com/kumomta/kumod-core/internal/resolver"
	"github.com/kumomta/kumod-core/internal/schedq"
	connpool "github.com/kumomta/kumod-core/internal/smtpconn/pool"
	"github.com/kumomta/kumod-core/internal/spool"
	"github.com/kumomta/kumod-core/internal/throttle"
)

// Server wires every domain package together into one running process: the
// spool, the scheduled/ready queue tiers keyed by queue name, the egress
// pools dispatchers dial through, the admin control plane, and the log
// sink. It implements internal/ingress.QueueFactory (via schedQueueFor) and
// internal/readyq.Spawner (via spawnDispatcher), closing the loop between
// the ingress, queue and dispatch packages the way the teacher's module.go
// wires endpoint/pipeline/target instances from one config document.
type Server struct {
	cfg *Config
	log log.Logger

	spool     *spool.Spool
	admin     *admin.Registry
	lifecycle *lifecycle.Lifecycle
	sink      *logsink.Sink
	throttle  *throttle.Throttle
	connPool  *connpool.P

	mu        sync.Mutex
	schedQs   map[string]*schedq.Queue
	readyQs   map[string]*readyq.ReadyQueue
	maintain  []lifecycle.Maintainer

	router *ingress.Router
}

func NewServer(cfg *Config) (*Server, error) {
	sp, err := spool.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("kumod: opening spool at %s: %w", cfg.StateDir, err)
	}

	writers := []logsink.Writer{logsink.NewZapWriter(log.Logger{Name: "delivery"})}
	if cfg.WebhookEndpoint != "" {
		writers = append(writers, logsink.NewWebhookWriter(cfg.WebhookEndpoint, cfg.SubscriptionURL, nil, log.Logger{Name: "webhook"}))
	}

	s := &Server{
		cfg:       cfg,
		log:       log.Logger{Name: "kumod"},
		spool:     sp,
		admin:     admin.NewRegistry(),
		lifecycle: lifecycle.New(),
		sink:      logsink.New(4096, writers...),
		throttle:  throttle.New(buildThrottleBackend(cfg)),
		connPool:  buildConnPool(cfg),
		schedQs:   make(map[string]*schedq.Queue),
		readyQs:   make(map[string]*readyq.ReadyQueue),
	}
	s.router = ingress.NewRouter(s.schedQueueFor, func() bool { return !s.lifecycle.AcceptingReceptions() })

	if err := s.recoverSpool(); err != nil {
		return nil, err
	}

	return s, nil
}

// buildThrottleBackend picks the rate/lease backend directly from the
// simple "throttle_backend" scalar directive: internal/throttle.Backend's
// Check(ctx, key, Spec) shape is purpose-built for this core and has no
// equivalent among the teacher's framework/module.ThrottleBackend-style
// pluggable modules (that interface takes separate limit/period
// parameters rather than a throttle.Spec), so it is constructed directly
// rather than indirected through the config-module registry.
func buildThrottleBackend(cfg *Config) throttle.Backend {
	if cfg.ThrottleKind == "redis" && cfg.ThrottleRedis != "" {
		return throttle.NewRedisBackend(redis.NewClient(&redis.Options{Addr: cfg.ThrottleRedis}))
	}
	return throttle.NewLocalBackend()
}

// buildConnPool constructs the process-wide idle-connection cache every
// dispatcher shares, keyed by site_name: a connection a dispatcher leaves
// usable at Closing is handed back here instead of torn down, letting the
// next dispatcher spawned for the same site skip a fresh TCP/TLS/EHLO
// round-trip. Sized off the same PathConfig.IdleTimeout/
// ReadyDefaults.ConnectionLimit a ready queue already uses to size its own
// dispatcher fleet, so there's no separate pool-sizing knob to configure.
func buildConnPool(cfg *Config) *connpool.P {
	maxConnsPerKey := cfg.ReadyDefaults.ConnectionLimit
	if maxConnsPerKey <= 0 {
		maxConnsPerKey = 20
	}
	lifetimeSec := int64(cfg.PathDefaults.IdleTimeout / time.Second)
	if lifetimeSec <= 0 {
		lifetimeSec = 60
	}
	return connpool.New(connpool.Config{
		MaxKeys:             1024,
		MaxConnsPerKey:      maxConnsPerKey,
		MaxConnLifetimeSec:  lifetimeSec,
		StaleKeyLifetimeSec: lifetimeSec * 10,
	})
}

func (s *Server) recoverSpool() error {
	return s.spool.Enumerate(func(m *message.Message) error {
		return s.router.InsertMessage(m)
	})
}

// schedQueueFor implements internal/ingress.QueueFactory: lazily creates
// (or returns the cached) scheduled queue for queueName, binding it to the
// egress pool its QueueConfig names and the site_name its routing domain
// resolves to (spec §4.F). The routing domain's MX lookup is a blocking
// network call, so it runs with s.mu released; a double-checked re-lock
// resolves the race against a concurrent caller for the same queueName.
func (s *Server) schedQueueFor(queueName string) (ingress.SchedQueue, error) {
	s.mu.Lock()
	if q, ok := s.schedQs[queueName]; ok {
		s.mu.Unlock()
		return q, nil
	}
	s.mu.Unlock()

	poolName := s.cfg.QueueDefaults.EgressPool
	if poolName == "" {
		poolName = s.cfg.DefaultPool
	}
	pool, ok := s.cfg.Pools[poolName]
	if !ok {
		return nil, fmt.Errorf("kumod: queue %s: no egress pool named %q configured", queueName, poolName)
	}

	domain := routingDomainForQueue(queueName)
	site := s.siteNameFor(context.Background(), domain)

	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.schedQs[queueName]; ok {
		return q, nil
	}

	admitter := &poolAdmitter{srv: s, pool: pool, site: site}
	q := schedq.New(queueName, s.cfg.QueueDefaults, admitter, s.admin, &spoolDisposer{srv: s, queueName: queueName})
	q.Suspend = s.admin
	s.schedQs[queueName] = q
	return q, nil
}

// routingDomainForQueue derives the routing domain from a scheduled queue
// name ("campaign:tenant:domain[@routing_domain]"); the routing domain,
// when present, is the domain whose MX records should actually be
// resolved, matching the core's routing_domain override (spec §3).
func routingDomainForQueue(queueName string) string {
	if routed, domain, ok := strings.Cut(queueName, "@"); ok {
		_ = routed
		return domain
	}
	parts := strings.SplitN(queueName, ":", 3)
	return parts[len(parts)-1]
}

// siteNameFor resolves domain's site_name (spec §4.F): the canonical
// string shared by every routing domain whose mail exchangers resolve to
// the same site, so they collapse onto one ready queue. A resolution
// failure does not bounce the scheduled queue into existence failing;
// instead it synthesizes a diagnostic placeholder site_name so the queue
// can still be created and track state, exactly as it would once the
// domain starts resolving, while a dispatcher spawn attempt will still
// fail fast and classify the same error (see dispatcherSpawner.Spawn).
func (s *Server) siteNameFor(ctx context.Context, domain string) string {
	if s.cfg.Resolver == nil {
		return domain
	}
	mx, err := s.cfg.Resolver.ResolveMX(ctx, domain)
	if err != nil {
		if errors.Is(err, resolver.ErrNXDomain) {
			return "NXDOMAIN:" + domain
		}
		return "DNSFAIL:" + domain
	}
	if mx.SiteName == "" {
		return domain
	}
	return mx.SiteName
}

// getOrCreateReadyQueue lazily creates (or returns the cached) ready queue
// named "<source>-><site>@smtp", shared by every poolAdmitter that selects
// src for site regardless of which scheduled queue(s) feed it.
func (s *Server) getOrCreateReadyQueue(pool *egress.Pool, src *egress.Source, site string) *readyq.ReadyQueue {
	name := fmt.Sprintf("%s->%s@smtp", src.Name(), site)

	s.mu.Lock()
	defer s.mu.Unlock()
	if rq, ok := s.readyQs[name]; ok {
		return rq
	}

	rq := readyq.New(name, s.cfg.ReadyDefaults, &srvReturner{srv: s}, &dispatcherSpawner{srv: s, pool: pool, source: src, site: site})
	rq.AdminSuspend = s.admin
	if s.cfg.MemoryPressureFloorKB > 0 {
		rq.MemPressure = readyq.NewLinuxMemoryPressure(s.cfg.MemoryPressureFloorKB)
	}
	s.readyQs[name] = rq
	s.maintain = append(s.maintain, rq)
	return rq
}

// poolAdmitter implements internal/schedq.ReadyAdmitter (spec §4.E
// select_and_insert): for each message it walks the bound egress pool in
// WRR order, skipping admin-suspended ready queues, lazily creating one
// ready queue per (source, site) pair the first time it is selected, until
// one admits the message or every source has been tried.
type poolAdmitter struct {
	srv  *Server
	pool *egress.Pool
	site string
}

func (a *poolAdmitter) SelectAndInsert(msg *message.Message) (schedq.SelectOutcome, time.Duration) {
	sources := a.pool.Sources()
	if len(sources) == 0 {
		return schedq.NoSources, 0
	}

	excluded := make(map[string]bool, len(sources))
	sawFull := false
	for attempt := 0; attempt < len(sources); attempt++ {
		src := a.pool.NextEligible(excluded)
		if src == nil {
			break
		}
		excluded[src.Name()] = true

		rq := a.srv.getOrCreateReadyQueue(a.pool, src, a.site)
		if a.srv.admin.ReadyQSuspended(rq.Name) {
			continue
		}
		if err := rq.InsertReady(msg); err != nil {
			if err == readyq.ErrFull {
				sawFull = true
			}
			continue
		}
		return schedq.Inserted, 0
	}

	if sawFull {
		return schedq.Delay, a.srv.cfg.QueueDefaults.RetryInterval
	}
	return schedq.NoSources, 0
}

// srvReturner implements internal/readyq.Returner. A ready queue can now be
// shared by every scheduled queue whose routing domain resolves to the
// same site_name (poolAdmitter/getOrCreateReadyQueue above), so a drained
// or requeued message is routed back by looking its own scheduled queue up
// by name rather than a returner holding one fixed target.
type srvReturner struct {
	srv *Server
}

func (r *srvReturner) Insert(msg *message.Message, shuttingDown bool) {
	q, err := r.srv.schedQueueFor(msg.QueueName())
	if err != nil {
		return
	}
	q.Insert(msg, shuttingDown)
}

func (r *srvReturner) Requeue(msg *message.Message) {
	q, err := r.srv.schedQueueFor(msg.QueueName())
	if err != nil {
		return
	}
	if sq, ok := q.(*schedq.Queue); ok {
		sq.Requeue(msg)
	}
}

// dispatcherSpawner implements internal/readyq.Spawner: each call starts
// one dispatcher goroutine bound to rq, resolving delivery candidates for
// site through s.cfg.Resolver and dialing out through the egress source
// rq was created for.
type dispatcherSpawner struct {
	srv    *Server
	pool   *egress.Pool
	source *egress.Source
	site   string
}

func (d *dispatcherSpawner) Spawn(ctx context.Context, rq *readyq.ReadyQueue, released func()) {
	go func() {
		defer released()

		candidates, err := d.srv.resolveCandidates(ctx, d.site)
		if err != nil {
			d.handleResolveFailure(rq, err)
			return
		}
		if len(candidates) == 0 {
			return
		}

		disp := &dispatcher.Dispatcher{
			Site:       d.site,
			Candidates: candidates,
			Config:     d.srv.cfg.PathDefaults,
			Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return d.source.Dial(ctx, addr)
			},
			Throttle: d.srv.throttle,
			Leaser:   d.srv.throttle,
			ConnPool: d.srv.connPool,
			Puller:   rq,
			Disposer: &dispatchDisposer{srv: d.srv, rq: rq, pool: d.pool, source: d.source.Name()},
			Adapter:  &dispatcher.SMTPAdapter{Hostname: d.srv.cfg.Hostname},
			Log:      log.Logger{Name: "dispatcher." + d.site},
		}
		_ = disp.Run(ctx)
	}()
}

// handleResolveFailure disposes of every message already queued on rq when
// a spawn attempt fails before any connection could even be tried. NXDOMAIN
// means the routing domain can never resolve, so each message is bounced
// permanently; any other resolver error (SERVFAIL, timeout, transport
// failure) is transient and every message goes back to the scheduled queue
// to retry later, rather than being stranded in a ready queue no dispatcher
// will ever drain.
func (d *dispatcherSpawner) handleResolveFailure(rq *readyq.ReadyQueue, resolveErr error) {
	permanent := errors.Is(resolveErr, resolver.ErrNXDomain)
	for {
		msg := rq.DrainOne()
		if msg == nil {
			return
		}
		if permanent {
			d.srv.sink.Emit(logsink.Record{Kind: logsink.Bounce, Timestamp: time.Now(), MessageID: msg.ID().String(), QueueName: msg.QueueName(), Reason: resolveErr.Error(), EgressPool: d.pool.Name(), EgressSource: d.source.Name()})
			d.srv.spool.Remove(msg.ID())
			continue
		}
		q, qerr := d.srv.schedQueueFor(msg.QueueName())
		if qerr != nil {
			continue
		}
		if sq, ok := q.(*schedq.Queue); ok {
			sq.Requeue(msg)
		}
	}
}

func (s *Server) resolveCandidates(ctx context.Context, domain string) ([]string, error) {
	if s.cfg.Resolver == nil {
		return []string{domain}, nil
	}
	mx, err := s.cfg.Resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(mx))
	for _, rr := range mx {
		hosts = append(hosts, strings.TrimSuffix(rr.Host, "."))
	}
	if len(hosts) == 0 {
		hosts = []string{domain}
	}
	return hosts, nil
}

// dispatchDisposer implements internal/dispatcher.Disposer, translating
// per-message delivery outcomes into spool removal, scheduled-queue
// requeue, and log sink records (spec §4.H Delivering/Closing, §4.K).
type dispatchDisposer struct {
	srv    *Server
	rq     *readyq.ReadyQueue
	pool   *egress.Pool
	source string
}

func (d *dispatchDisposer) Delivered(msg *message.Message) {
	d.srv.sink.Emit(logsink.Record{Kind: logsink.Delivery, Timestamp: time.Now(), MessageID: msg.ID().String(), QueueName: msg.QueueName(), EgressPool: d.pool.Name(), EgressSource: d.source})
	d.srv.spool.Remove(msg.ID())
	d.rq.NoteConnectionSuccess()
}

func (d *dispatchDisposer) TransientFail(msg *message.Message, err error) {
	d.srv.sink.Emit(logsink.Record{Kind: logsink.TransientFailure, Timestamp: time.Now(), MessageID: msg.ID().String(), QueueName: msg.QueueName(), Reason: err.Error(), EgressPool: d.pool.Name(), EgressSource: d.source})
	q, qerr := d.srv.schedQueueFor(msg.QueueName())
	if qerr == nil {
		if sq, ok := q.(*schedq.Queue); ok {
			sq.Requeue(msg)
		}
	}
}

func (d *dispatchDisposer) PermanentFail(msg *message.Message, err error) {
	d.srv.sink.Emit(logsink.Record{Kind: logsink.Bounce, Timestamp: time.Now(), MessageID: msg.ID().String(), QueueName: msg.QueueName(), Reason: err.Error(), EgressPool: d.pool.Name(), EgressSource: d.source})
	d.srv.spool.Remove(msg.ID())
}

func (d *dispatchDisposer) Returned(msg *message.Message) {
	d.rq.NoteConnectionFailure()
	q, err := d.srv.schedQueueFor(msg.QueueName())
	if err == nil {
		q.Insert(msg, !d.srv.lifecycle.AcceptingReceptions())
	}
}

// spoolDisposer implements internal/schedq.Disposer: final dispositions
// (expiry, admin bounce) persist a log record and drop the spooled copy.
type spoolDisposer struct {
	srv       *Server
	queueName string
}

func (d *spoolDisposer) Expired(msg *message.Message, reason string) {
	d.srv.sink.Emit(logsink.Record{Kind: logsink.Expiration, Timestamp: time.Now(), MessageID: msg.ID().String(), QueueName: d.queueName, Reason: reason})
	d.srv.spool.Remove(msg.ID())
}

func (d *spoolDisposer) Bounced(msg *message.Message, reason string) {
	d.srv.sink.Emit(logsink.Record{Kind: logsink.Bounce, Timestamp: time.Now(), MessageID: msg.ID().String(), QueueName: d.queueName, Reason: reason})
	d.srv.spool.Remove(msg.ID())
}

func (d *spoolDisposer) StoreRetry(msg *message.Message) error {
	return d.srv.spool.SaveMetadata(msg)
}

func (d *spoolDisposer) Remove(msg *message.Message) error {
	d.srv.spool.Remove(msg.ID())
	return nil
}

// Listeners starts the configured SMTP and HTTP ingress endpoints,
// wrapping each in internal/proxy_protocol when configured, and returns
// their net.Listeners so the caller (run.go) can drive smtp.Server.Serve
// and http.Serve and close them on shutdown.
func (s *Server) listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.ProxyProtocol != nil {
		l = proxyprotocol.NewListener(l, s.cfg.ProxyProtocol, s.log)
	}
	return l, nil
}

func (s *Server) ingressBackend() *ingress.Backend {
	var verifier *ingress.DKIMVerifier
	if s.cfg.DKIMVerify {
		verifier = ingress.NewDKIMVerifier()
	}
	return &ingress.Backend{
		Queue:    s.router,
		Hostname: s.cfg.Hostname,
		DKIM:     verifier,
	}
}

func (s *Server) injectHandler() *ingress.InjectHandler {
	var verifier *ingress.DKIMVerifier
	if s.cfg.DKIMVerify {
		verifier = ingress.NewDKIMVerifier()
	}
	return &ingress.InjectHandler{
		Queue:    s.router,
		Hostname: s.cfg.Hostname,
		DKIM:     verifier,
	}
}

// Shutdown drains every live ready queue and closes shared resources,
// following the five-phase sequence internal/lifecycle.Lifecycle drives.
func (s *Server) Shutdown(ctx context.Context, drainTimeout time.Duration) {
	s.mu.Lock()
	maintainers := append([]lifecycle.Maintainer(nil), s.maintain...)
	s.mu.Unlock()

	s.lifecycle.Shutdown(ctx, drainTimeout, maintainers, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, q := range s.schedQs {
			q.Close()
		}
		for _, rq := range s.readyQs {
			rq.Shutdown()
		}
	})
	s.connPool.Close()
	s.sink.Close()
}
