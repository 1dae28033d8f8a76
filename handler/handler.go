package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/Makoto0824/machisaga/cache"
	"github.com/Makoto0824/machisaga/config"
	"github.com/Makoto0824/machisaga/gate"
	"github.com/Makoto0824/machisaga/pool"

	"github.com/go-redis/redis/v8"
)

// Handler wires the HTTP surface to the gate and the URL pool
type Handler struct {
	redis  *redis.Client
	gate   *gate.Gate
	rules  *gate.RuleStore
	pool   *pool.Pool
	cache  *cache.Cache
	config config.Config
}

// New creates the handler with its dependencies injected
func New(rdb *redis.Client, g *gate.Gate, rules *gate.RuleStore, p *pool.Pool, c *cache.Cache, cfg config.Config) *Handler {
	return &Handler{
		redis:  rdb,
		gate:   g,
		rules:  rules,
		pool:   p,
		cache:  c,
		config: cfg,
	}
}

// opCtx derives the per-request store timeout from configuration
func (h *Handler) opCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), time.Duration(h.config.Redis.OperationTimeout)*time.Second)
}
