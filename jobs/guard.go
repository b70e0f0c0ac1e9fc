package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wastedesk/wastedesk/internal/shared"
)

// DefaultLeaseTTL bounds how long a crashed worker can block a trigger.
const DefaultLeaseTTL = 30 * time.Minute

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunGuard prevents overlapping runs of the same trigger. Within a process it
// holds an in-memory flag; across processes it takes a Redis lease. When Redis
// is unreachable the in-memory flag alone applies.
type RunGuard struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewRunGuard constructs a guard. A nil client keeps the guard in-process.
func NewRunGuard(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RunGuard {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RunGuard{client: client, ttl: ttl, logger: logger, running: make(map[string]bool)}
}

// TryAcquire claims the trigger. It returns ok=false when another run holds
// it; otherwise release must be called once the run ends.
func (g *RunGuard) TryAcquire(ctx context.Context, trigger string) (release func(), ok bool) {
	g.mu.Lock()
	if g.running[trigger] {
		g.mu.Unlock()
		return nil, false
	}
	g.running[trigger] = true
	g.mu.Unlock()

	local := func() {
		g.mu.Lock()
		delete(g.running, trigger)
		g.mu.Unlock()
	}
	if g.client == nil {
		return local, true
	}

	key := shared.TriggerLockKey(trigger)
	token := uuid.NewString()
	acquired, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		g.log().Warn("trigger lease unavailable, using local guard", slog.String("trigger", trigger), slog.Any("error", err))
		return local, true
	}
	if !acquired {
		local()
		return nil, false
	}
	return func() {
		// The run context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, g.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			g.log().Warn("release trigger lease", slog.String("trigger", trigger), slog.Any("error", err))
		}
		local()
	}, true
}

func (g *RunGuard) log() *slog.Logger {
	if g.logger != nil {
		return g.logger
	}
	return slog.Default().With(slog.String("component", "run_guard"))
}
