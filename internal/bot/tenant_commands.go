package bot

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"
	"time"

	"github.com/townshq/botfather/internal/tenant"
	"github.com/townshq/botfather/internal/towns"
)

var dadJokes = []string{
	"I'm afraid for the calendar. Its days are numbered.",
	"Why do fathers take an extra pair of socks when they go golfing? In case they get a hole in one.",
	"I don't trust stairs. They're always up to something.",
	"What do you call a fish wearing a bowtie? Sofishticated.",
	"I used to hate facial hair, but then it grew on me.",
	"Why don't eggs tell jokes? They'd crack each other up.",
}

// dispatchCommand routes one slash-command event to its handler. Every
// branch sends at least one chat message; failures are reported in-channel
// rather than crashing the request.
func (b *tenantBot) dispatchCommand(ctx context.Context, event towns.Event) {
	cmd, ok := ParseCommand(event.Command.Name)
	if !ok {
		b.reply(ctx, event, fmt.Sprintf("Unknown command: /%s", event.Command.Name))
		return
	}
	switch cmd {
	case CommandPing:
		b.handlePing(ctx, event)
	case CommandJoke:
		b.handleJoke(ctx, event)
	case CommandTip:
		b.handleTip(ctx, event)
	case CommandGrantRole:
		b.handleRole(ctx, event, true)
	case CommandRevokeRole:
		b.handleRole(ctx, event, false)
	case CommandCreateChannel:
		b.handleCreateChannel(ctx, event)
	case CommandPin:
		b.handlePin(ctx, event, true)
	case CommandUnpin:
		b.handlePin(ctx, event, false)
	case CommandHealth:
		b.handleHealth(ctx, event)
	default:
		// Setup and setcommands belong to the control-plane bot.
		b.reply(ctx, event, fmt.Sprintf("Command /%s is not available on this bot", cmd))
	}
}

func (b *tenantBot) handlePing(ctx context.Context, event towns.Event) {
	b.reply(ctx, event, "pong")
}

func (b *tenantBot) handleJoke(ctx context.Context, event towns.Event) {
	b.reply(ctx, event, dadJokes[rand.Intn(len(dadJokes))])
}

func (b *tenantBot) handleTip(ctx context.Context, event towns.Event) {
	args := event.Command.Args
	if len(args) < 2 {
		b.reply(ctx, event, "Usage: /tip <USER_ID> <AMOUNT_WEI> (optional: <CURRENCY>)")
		return
	}
	userID, amount := args[0], args[1]
	if _, ok := new(big.Int).SetString(amount, 10); !ok {
		b.reply(ctx, event, "Usage: /tip <USER_ID> <AMOUNT_WEI> (optional: <CURRENCY>)")
		return
	}
	currency := "ETH"
	if len(args) > 2 {
		currency = strings.ToUpper(args[2])
	}

	txRef, err := b.sendTipWithRetry(ctx, event.ChannelID, towns.TipParams{
		UserID:    userID,
		AmountWei: amount,
		Currency:  currency,
	})
	if err != nil {
		b.logger.Error("tip failed", slog.String("user", userID), slog.Any("error", err))
		b.reply(ctx, event, fmt.Sprintf("❌ Tip failed: %v", err))
		return
	}
	b.reply(ctx, event, fmt.Sprintf("💸 Tipped %s %s wei %s (tx %s)", userID, amount, currency, txRef))
}

// sendTipWithRetry retries the send a bounded number of times with linearly
// increasing backoff.
func (b *tenantBot) sendTipWithRetry(ctx context.Context, channelID string, tip towns.TipParams) (string, error) {
	var lastErr error
	for i := 0; i < b.retry.Max; i++ {
		txRef, err := b.session.Client.SendTip(ctx, channelID, tip)
		if err == nil {
			return txRef, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(i+1) * b.retry.Backoff):
		}
	}
	return "", lastErr
}

func (b *tenantBot) handleRole(ctx context.Context, event towns.Event, grant bool) {
	args := event.Command.Args
	verb := "grantrole"
	if !grant {
		verb = "revokerole"
	}
	if len(args) < 2 {
		b.reply(ctx, event, fmt.Sprintf("Usage: /%s <USER_ID> <ROLE>", verb))
		return
	}
	userID, role := args[0], args[1]
	var err error
	if grant {
		err = b.session.Client.GrantRole(ctx, event.SpaceID, userID, role)
	} else {
		err = b.session.Client.RevokeRole(ctx, event.SpaceID, userID, role)
	}
	if err != nil {
		b.logger.Error("role update failed", slog.String("user", userID), slog.String("role", role), slog.Any("error", err))
		b.reply(ctx, event, fmt.Sprintf("❌ Role update failed: %v", err))
		return
	}
	if grant {
		b.reply(ctx, event, fmt.Sprintf("✅ Granted role %s to %s", role, userID))
	} else {
		b.reply(ctx, event, fmt.Sprintf("✅ Revoked role %s from %s", role, userID))
	}
}

func (b *tenantBot) handleCreateChannel(ctx context.Context, event towns.Event) {
	args := event.Command.Args
	if len(args) < 1 {
		b.reply(ctx, event, "Usage: /createchannel <NAME>")
		return
	}
	name := strings.Join(args, "-")
	channelID, err := b.session.Client.CreateChannel(ctx, event.SpaceID, name)
	if err != nil {
		b.logger.Error("create channel failed", slog.String("name", name), slog.Any("error", err))
		b.reply(ctx, event, fmt.Sprintf("❌ Could not create channel: %v", err))
		return
	}
	b.reply(ctx, event, fmt.Sprintf("✅ Created channel %s (%s)", name, channelID))
}

func (b *tenantBot) handlePin(ctx context.Context, event towns.Event, pin bool) {
	args := event.Command.Args
	targetEventID := ""
	if len(args) > 0 {
		targetEventID = args[0]
	} else if event.Message != nil && event.Message.ReplyID != "" {
		targetEventID = event.Message.ReplyID
	}
	verb := "pin"
	if !pin {
		verb = "unpin"
	}
	if targetEventID == "" {
		b.reply(ctx, event, fmt.Sprintf("Usage: /%s <EVENT_ID>", verb))
		return
	}
	var err error
	if pin {
		err = b.session.Client.PinMessage(ctx, event.ChannelID, targetEventID)
	} else {
		err = b.session.Client.UnpinMessage(ctx, event.ChannelID, targetEventID)
	}
	if err != nil {
		b.logger.Error("pin update failed", slog.String("event", targetEventID), slog.Any("error", err))
		b.reply(ctx, event, fmt.Sprintf("❌ Could not %s message: %v", verb, err))
		return
	}
	if pin {
		b.reply(ctx, event, fmt.Sprintf("📌 Pinned %s", targetEventID))
	} else {
		b.reply(ctx, event, fmt.Sprintf("✅ Unpinned %s", targetEventID))
	}
}

// handleHealth registers the current channel for health broadcasts. The
// stored list changes immediately; the cached instance keeps its build-time
// snapshot until it is invalidated.
func (b *tenantBot) handleHealth(ctx context.Context, event towns.Event) {
	rec, err := b.store.Get(ctx, b.address)
	if err != nil {
		b.logger.Error("health registration lookup failed", slog.Any("error", err))
		b.reply(ctx, event, fmt.Sprintf("❌ Could not register channel: %v", err))
		return
	}
	healthURL := fmt.Sprintf("%s/webhook/%s/health", strings.TrimRight(b.baseURL, "/"), b.address)
	for _, id := range rec.ChannelIDs {
		if id == event.ChannelID {
			b.reply(ctx, event, fmt.Sprintf("This channel is already registered.\n\nHealth URL: `%s`", healthURL))
			return
		}
	}
	channels := append(rec.ChannelIDs, event.ChannelID)
	if err := b.store.UpdatePartial(ctx, b.address, tenant.Patch{ChannelIDs: &channels}); err != nil {
		b.logger.Error("health registration failed", slog.Any("error", err))
		b.reply(ctx, event, fmt.Sprintf("❌ Could not register channel: %v", err))
		return
	}
	b.reply(ctx, event, fmt.Sprintf("✅ Channel registered for health broadcasts.\n\nHealth URL: `%s`", healthURL))
}

// reply sends a chat message into the event's channel, threading with the
// originating event. Send failures are logged; there is nowhere else to
// report them.
func (b *tenantBot) reply(ctx context.Context, event towns.Event, text string) {
	_, err := b.session.Client.SendMessage(ctx, event.ChannelID, text, towns.SendOpts{
		ThreadID: event.ThreadID,
		ReplyID:  event.EventID,
	})
	if err != nil {
		b.logger.Warn("reply failed", slog.String("channel", event.ChannelID), slog.Any("error", err))
	}
}
