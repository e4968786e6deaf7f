package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chitieu/internal/cache"
	"chitieu/internal/core"
	"chitieu/internal/ledger"
	"chitieu/internal/log"
	"chitieu/internal/middleware/ratelimit"
	"chitieu/internal/middleware/security"
	"chitieu/internal/middleware/trace"
)

// Ledger is the part of the ledger engine the API drives.
type Ledger interface {
	RecordExpense(ctx context.Context, groupID, userID string, amount core.Money, description string) (string, error)
	AmendExpense(ctx context.Context, entryID, userID, groupID string, newAmount core.Money, newDescription string) error
	RetractExpense(ctx context.Context, entryID, userID, groupID string) error
	Reconcile(ctx context.Context, groupID, userID string) (*ledger.Reconciliation, error)
	RemoveMember(ctx context.Context, groupID, userID string) error
	PurgeGroup(ctx context.Context, groupID string) (int, error)
	GroupLedger(ctx context.Context, groupID string) ([]*core.Entry, error)
	MemberLedger(ctx context.Context, groupID, userID string) (*ledger.MemberLedger, error)
}

// Members administers group membership.
type Members interface {
	AddMember(ctx context.Context, groupID, userID string, initial core.Money) (*core.Membership, error)
	Members(ctx context.Context, groupID string) ([]*core.Membership, error)
	GroupsOf(ctx context.Context, userID string) ([]*core.Membership, error)
}

// Pinger reports whether the record store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the API server.
type Options struct {
	Addr               string
	Logger             *log.Logger
	RateLimitPerMinute int
	TrustedProxies     []string
	// CacheTTL bounds how stale a ledger read can be when another process
	// changed the store. Zero disables read caching.
	CacheTTL  time.Duration
	CacheSize int
}

type Server struct {
	http.Server
	ledger  Ledger
	members Members
	health  Pinger
	logger  *log.Logger

	clientIP    *security.ClientIPResolver
	rateLimiter *ratelimit.Limiter
	tracer      *trace.Middleware

	groupCache   *cache.LRUCache[*groupLedgerView]
	memberCache  *cache.LRUCache[*memberLedgerView]
	cacheManager *cache.Manager

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(l Ledger, members Members, health Pinger, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 200
	}
	resolver, err := security.NewClientIPResolver(opts.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	limits := ratelimit.DefaultConfig()
	if opts.RateLimitPerMinute > 0 {
		limits.RequestsPerMinute = opts.RateLimitPerMinute
	}

	s := &Server{
		ledger:       l,
		members:      members,
		health:       health,
		logger:       opts.Logger.WithComponent(log.ComponentHTTP),
		clientIP:     resolver,
		rateLimiter:  ratelimit.NewLimiter(limits),
		cacheManager: cache.NewManager(opts.Logger),
	}
	s.tracer = trace.NewMiddleware(opts.Logger, resolver.ClientIP)

	if opts.CacheTTL > 0 {
		s.groupCache = cache.NewLRUCache[*groupLedgerView](opts.CacheSize, opts.CacheTTL)
		s.memberCache = cache.NewLRUCache[*memberLedgerView](opts.CacheSize, opts.CacheTTL)
		s.cacheManager.Register("group_ledger", s.groupCache)
		s.cacheManager.Register("member_ledger", s.memberCache)
		s.cacheManager.StartCleanup(max(opts.CacheTTL, time.Minute))
	}

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("GET /groups/{group}/members", s.handleListMembers)
	mux.HandleFunc("POST /groups/{group}/members", s.handleAddMember)
	mux.HandleFunc("DELETE /groups/{group}/members/{user}", s.handleRemoveMember)
	mux.HandleFunc("GET /groups/{group}/members/{user}/ledger", s.handleMemberLedger)
	mux.HandleFunc("POST /groups/{group}/members/{user}/reconcile", s.handleReconcile)

	mux.HandleFunc("POST /groups/{group}/members/{user}/expenses", s.handleRecordExpense)
	mux.HandleFunc("PUT /groups/{group}/members/{user}/expenses/{entry}", s.handleAmendExpense)
	mux.HandleFunc("DELETE /groups/{group}/members/{user}/expenses/{entry}", s.handleRetractExpense)

	mux.HandleFunc("GET /users/{user}/groups", s.handleUserGroups)

	mux.HandleFunc("GET /groups/{group}/ledger", s.handleGroupLedger)
	mux.HandleFunc("DELETE /groups/{group}", s.handlePurgeGroup)

	limited := s.rateLimiter.Middleware(s.clientIP.ClientIP, func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
			log.FieldClientIP, s.clientIP.ClientIP(r),
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path)
		TooManyRequestsError().Write(w)
	})(mux)

	headers := security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(limited)
	return s.tracer.Middleware(headers)
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.cacheManager.Stop()
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

// Metrics returns request counters for diagnostics.
func (s *Server) Metrics() trace.Metrics {
	return s.tracer.GetMetrics()
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Data(map[string]string{"status": "ok"}).Write(w)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Readiness check failed", log.FieldError, err)
		ErrorResponse(http.StatusServiceUnavailable, "unavailable", "store unreachable").Write(w)
		return
	}
	NewJSONResponse().Data(map[string]string{"status": "ready"}).Write(w)
}

// invalidateMember drops cached reads touched by a change to one member.
func (s *Server) invalidateMember(groupID, userID string) {
	if s.groupCache == nil {
		return
	}
	s.groupCache.Delete(groupID)
	s.memberCache.Delete(core.MembershipKey(groupID, userID))
}

// invalidateGroup drops every cached read of the group.
func (s *Server) invalidateGroup(groupID string) {
	if s.groupCache == nil {
		return
	}
	s.groupCache.Delete(groupID)
	s.memberCache.DeleteFunc(inGroup(groupID))
}
