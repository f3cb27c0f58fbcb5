// Package httpapi exposes the five HTTP routes documented in spec §6 over
// the quote engine: per-pair lookup, pair enumeration, registration and
// cache introspection, and a manual cleanup trigger.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/marketfeed/quoteproxy/internal/cache"
	"github.com/marketfeed/quoteproxy/internal/cleanup"
	"github.com/marketfeed/quoteproxy/internal/pairs"
	"github.com/marketfeed/quoteproxy/internal/quote"
	"github.com/marketfeed/quoteproxy/internal/quoteerr"
	"github.com/marketfeed/quoteproxy/internal/quotes"
	"github.com/marketfeed/quoteproxy/internal/sources"
	"github.com/marketfeed/quoteproxy/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// registered alongside the quote routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// API wires the quote engine's components to the HTTP surface.
type API struct {
	quotes   *quotes.Service
	sources  *sources.Manager
	registry *pairs.Registry
	qcache   *cache.QuoteCache
	cleanup  *cleanup.Scheduler
	log      *slog.Logger

	corsOrigins []string
}

func New(qs *quotes.Service, sm *sources.Manager, registry *pairs.Registry, qcache *cache.QuoteCache, cl *cleanup.Scheduler, log *slog.Logger, corsOrigins []string) *API {
	return &API{quotes: qs, sources: sm, registry: registry, qcache: qcache, cleanup: cl, log: log, corsOrigins: corsOrigins}
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (a *API) Start(addr string) error {
	return a.StartWithRoutes(addr, nil)
}

// Routes builds the bare request handler for the five documented routes
// plus /health and any management routes, without the middleware chain.
// Exposed so tests can exercise routing without binding a real listener.
func (a *API) Routes(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/quote/{source}/{base}/{quote}", a.handleGetQuote)
	r.GET("/quote/pairs/{source}", a.handleGetPairsForSource)
	r.GET("/quote/registrations", a.handleGetRegistrations)
	r.POST("/quote/cleanup", a.handleCleanup)
	r.GET("/sources/{source}/pairs", a.handleGetSourcePairs)
	r.GET("/health", a.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return r.Handler
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (a *API) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	handler := applyMiddleware(a.Routes(mgmt),
		recovery,
		requestID,
		timing,
		corsHandler(a.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// handleGetQuote implements `GET /quote/{source}/{base}/{quote}`.
func (a *API) handleGetQuote(ctx *fasthttp.RequestCtx) {
	src, _ := ctx.UserValue("source").(string)
	base, _ := ctx.UserValue("base").(string)
	quoteSym, _ := ctx.UserValue("quote").(string)
	pair := quote.Pair{Base: base, Quote: quoteSym}

	resp, err := a.quotes.GetQuote(ctx, src, pair)
	if err != nil {
		writeQuoteErr(ctx, err)
		return
	}

	writeJSON(ctx, map[string]any{
		"source":     resp.Source,
		"pair":       [2]string{resp.Pair.Base, resp.Pair.Quote},
		"price":      resp.Price,
		"receivedAt": resp.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
}

type pairEntry struct {
	Pair        [2]string `json:"pair"`
	CachedPrice *string   `json:"cachedPrice,omitempty"`
	ReceivedAt  *string   `json:"receivedAt,omitempty"`
	CachedAt    *string   `json:"cachedAt,omitempty"`
}

// handleGetPairsForSource implements `GET /quote/pairs/{source}`.
func (a *API) handleGetPairsForSource(ctx *fasthttp.RequestCtx) {
	src, _ := ctx.UserValue("source").(string)

	regs := a.registry.GetPairsBySourceWithTimestamps(src)
	entries := make([]pairEntry, 0, len(regs))
	for _, reg := range regs {
		entry := pairEntry{Pair: [2]string{reg.Pair.Base, reg.Pair.Quote}}
		if cached, ok := a.qcache.Get(ctx, src, reg.Pair); ok {
			price := cached.Price
			receivedAt := cached.ReceivedAt.UTC().Format(time.RFC3339Nano)
			cachedAt := cached.CachedAt.UTC().Format(time.RFC3339Nano)
			entry.CachedPrice = &price
			entry.ReceivedAt = &receivedAt
			entry.CachedAt = &cachedAt
		}
		entries = append(entries, entry)
	}

	writeJSON(ctx, map[string]any{"source": src, "pairs": entries})
}

// handleGetRegistrations implements `GET /quote/registrations`.
func (a *API) handleGetRegistrations(ctx *fasthttp.RequestCtx) {
	regs := a.registry.GetAllRegistrations()
	out := make([]map[string]any, 0, len(regs))
	for _, reg := range regs {
		entry := map[string]any{
			"source":         reg.Source,
			"pair":           [2]string{reg.Pair.Base, reg.Pair.Quote},
			"registeredAt":   reg.RegisteredAt.UTC().Format(time.RFC3339Nano),
			"lastFetchAt":    reg.LastFetchAt.UTC().Format(time.RFC3339Nano),
			"lastResponseAt": reg.LastResponseAt.UTC().Format(time.RFC3339Nano),
			"lastRequestAt":  reg.LastRequestAt.UTC().Format(time.RFC3339Nano),
		}
		if cached, ok := a.qcache.Get(ctx, reg.Source, reg.Pair); ok {
			entry["cachedPrice"] = cached.Price
			entry["cachedAt"] = cached.CachedAt.UTC().Format(time.RFC3339Nano)
		}
		out = append(out, entry)
	}
	writeJSON(ctx, map[string]any{"registrations": out})
}

// handleCleanup implements `POST /quote/cleanup`.
func (a *API) handleCleanup(ctx *fasthttp.RequestCtx) {
	removed := a.cleanup.Trigger()
	writeJSON(ctx, map[string]any{"removedCount": removed})
}

// handleGetSourcePairs implements `GET /sources/{source}/pairs`, the
// universe enumeration via the adapter's own getPairs.
func (a *API) handleGetSourcePairs(ctx *fasthttp.RequestCtx) {
	src, _ := ctx.UserValue("source").(string)

	pairsList, err := a.sources.GetPairs(ctx, src)
	if err != nil {
		writeQuoteErr(ctx, err)
		return
	}

	out := make([][2]string, 0, len(pairsList))
	for _, p := range pairsList {
		out = append(out, [2]string{p.Base, p.Quote})
	}
	writeJSON(ctx, map[string]any{"pairs": out})
}

func (a *API) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok"})
}

func writeQuoteErr(ctx *fasthttp.RequestCtx, err error) {
	qerr, ok := quoteerr.As(err)
	if !ok {
		apierr.WriteGeneric(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	apierr.Write(ctx, qerr)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
