package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/townshq/botfather/internal/towns"
)

// HealthMessage is the fixed status line broadcast to registered channels.
const HealthMessage = "🟢 Health check: bot is alive"

// MessageSender is the outbound surface a broadcast needs. *towns.Client
// satisfies it.
type MessageSender interface {
	SendMessage(ctx context.Context, channelID, text string, opts towns.SendOpts) (string, error)
}

// BroadcastResult is one channel's outcome of a health broadcast.
type BroadcastResult struct {
	ChannelID string
	EventID   string
	Err       error
}

// Broadcast sends the health message to every channel concurrently. Each
// outcome is independent; a failing channel does not abort its siblings.
// Results are ordered like the input.
func Broadcast(ctx context.Context, sender MessageSender, channelIDs []string) []BroadcastResult {
	results := make([]BroadcastResult, len(channelIDs))
	var wg sync.WaitGroup
	for idx, channelID := range channelIDs {
		wg.Add(1)
		go func(idx int, channelID string) {
			defer wg.Done()
			eventID, err := sender.SendMessage(ctx, channelID, HealthMessage, towns.SendOpts{})
			results[idx] = BroadcastResult{ChannelID: channelID, EventID: eventID, Err: err}
		}(idx, channelID)
	}
	wg.Wait()
	return results
}

// SummarizeBroadcast renders one human-readable line per channel.
func SummarizeBroadcast(results []BroadcastResult) string {
	if len(results) == 0 {
		return "no channels registered for health broadcasts"
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			lines = append(lines, fmt.Sprintf("❌ %s: %v", r.ChannelID, r.Err))
		} else {
			lines = append(lines, fmt.Sprintf("✅ %s: delivered", r.ChannelID))
		}
	}
	return strings.Join(lines, "\n")
}

// Scheduler broadcasts health messages for every onboarded tenant on a cron
// schedule. Tenants without a built instance are built on demand, same as a
// webhook request would.
type Scheduler struct {
	cron   *cron.Cron
	cache  *Cache
	logger *slog.Logger
	spec   string
}

// NewScheduler creates a health broadcast scheduler. spec is a standard cron
// expression; an empty spec yields a scheduler whose Start is a no-op.
func NewScheduler(log *slog.Logger, cache *Cache, spec string) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		cache:  cache,
		logger: log.With(slog.String("service", "health_scheduler")),
		spec:   spec,
	}
}

// Start registers the cron job and starts the scheduler.
func (s *Scheduler) Start() error {
	if strings.TrimSpace(s.spec) == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("schedule health broadcast: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) run() {
	ctx := context.Background()
	records, err := s.cache.store.List(ctx)
	if err != nil {
		s.logger.Error("health broadcast list failed", slog.Any("error", err))
		return
	}
	for _, rec := range records {
		if len(rec.ChannelIDs) == 0 {
			continue
		}
		inst, err := s.cache.GetOrCreate(ctx, rec.Address)
		if err != nil {
			s.logger.Warn("health broadcast build failed", slog.String("tenant", rec.Address), slog.Any("error", err))
			continue
		}
		results := Broadcast(ctx, inst.Client(), inst.Channels)
		s.logger.Info("health broadcast",
			slog.String("tenant", rec.Address),
			slog.String("summary", SummarizeBroadcast(results)))
	}
}
