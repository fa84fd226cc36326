package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaibhavgarg25/dashboard/internal/auth"
	"github.com/vaibhavgarg25/dashboard/internal/dashboard"
	"github.com/vaibhavgarg25/dashboard/internal/model"
)

const dateLayout = "2006-01-02"

// Dashboard is a best-effort short-TTL cache for dashboard responses.
// With a nil redis client every Get misses and every Set is a no-op.
type Dashboard struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

func NewDashboard(client *redis.Client, ttl time.Duration, log *slog.Logger) *Dashboard {
	return &Dashboard{client: client, ttl: ttl, log: log}
}

// Key identifies one cacheable dashboard view. Responses depend on the
// viewer only through its scope (admin, member, anonymous), never on the
// individual user id.
func Key(viewer *auth.Identity, filters dashboard.Filters) string {
	scope := "anon"
	if viewer != nil {
		scope = "member"
		if viewer.Role == model.RoleAdmin {
			scope = "admin"
		}
	}

	start, end := "", ""
	if filters.StartDate != nil {
		start = filters.StartDate.UTC().Format(dateLayout)
	}
	if filters.EndDate != nil {
		end = filters.EndDate.UTC().Format(dateLayout)
	}
	role := ""
	if filters.Role != nil {
		role = string(*filters.Role)
	}
	return fmt.Sprintf("dashboard:%s:%s:%s:%s:%s", scope, start, end, role, filters.Query)
}

func (c *Dashboard) Get(ctx context.Context, key string) (dashboard.Data, bool) {
	if c.client == nil || c.ttl <= 0 {
		return dashboard.Data{}, false
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return dashboard.Data{}, false
	}
	if err != nil {
		c.log.Warn("dashboard cache get failed", "key", key, "error", err)
		return dashboard.Data{}, false
	}

	var data dashboard.Data
	if err := json.Unmarshal(raw, &data); err != nil {
		c.log.Warn("dashboard cache decode failed", "key", key, "error", err)
		return dashboard.Data{}, false
	}
	return data, true
}

func (c *Dashboard) Set(ctx context.Context, key string, data dashboard.Data) {
	if c.client == nil || c.ttl <= 0 {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		c.log.Warn("dashboard cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("dashboard cache set failed", "key", key, "error", err)
	}
}
