package handler

import (
	"net/http"
	"testing"
	"time"

	"github.com/Makoto0824/machisaga/config"
	"github.com/Makoto0824/machisaga/gate"
	"github.com/Makoto0824/machisaga/middleware"
	"github.com/Makoto0824/machisaga/model"
	"github.com/Makoto0824/machisaga/pool"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

// setupHandler builds the full handler stack against a miniredis
// instance, rule cache disabled so every read hits the store
func setupHandler(t *testing.T) (*Handler, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Config{
		Redis: config.RedisConfig{OperationTimeout: 5},
		Cache: config.CacheConfig{Enabled: false},
		Gate: config.GateConfig{
			DefaultIntervalSeconds: 1800,
			DefaultMaxPerDay:       0,
			Timezone:               "UTC",
		},
	}

	rules := gate.NewRuleStore(client, nil, model.AccessRule{
		IntervalSeconds: cfg.Gate.DefaultIntervalSeconds,
		MaxPerDay:       cfg.Gate.DefaultMaxPerDay,
	})
	g := gate.New(client, rules, time.UTC)
	p := pool.New(client)

	return New(client, g, rules, p, nil, cfg), s, client
}

// newRouter mirrors the route table in main.go, identity middleware
// included, auth left off so handlers are tested directly
func newRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Identity)
	r.HandleFunc("/access/{resourceID}", h.CheckAccess).Methods("GET")
	r.HandleFunc("/access/{resourceID}", h.ClearAccess).Methods("DELETE")
	r.HandleFunc("/single-use-url", h.AllocateURL).Methods("GET")
	r.HandleFunc("/single-use-url", h.PoolAdmin).Methods("POST")
	r.HandleFunc("/rules", h.GetRules).Methods("GET")
	r.HandleFunc("/rules", h.UpsertRule).Methods("POST", "PUT")
	r.HandleFunc("/rules", h.DeleteRule).Methods("DELETE")
	r.HandleFunc("/qr/{id}", h.GenerateQR).Methods("GET")
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	return r
}

func visitorCookie(req *http.Request, userID string) {
	req.AddCookie(&http.Cookie{Name: middleware.CookieName, Value: userID})
}
