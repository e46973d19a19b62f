package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/ingest"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/service"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/storage"
)

// Prefix is the leading character marking a text message as a command.
const Prefix = "!"

const helpText = `Commands:
!help - this list
!about - what this bot is
!stats last message
!stats last N messages
!stats today
!stats today detailed
!stats status
!subscribe daily_low|daily_avg|daily_high
!unsubscribe
!my_subscriptions`

const aboutText = `Mesh stats bot. I watch the MQTT feed, count what the mesh hears, and answer stats queries over the radio. Send !help for commands.`

const rateLimitNotice = "Rate limit exceeded. Please wait a bit before sending more commands."

// StatsQueries is the slice of the stats service the executor uses.
type StatsQueries interface {
	LastMessageForUser(ctx context.Context, userRowID int64) (*storage.Message, error)
	LastNForUser(ctx context.Context, userRowID int64, n int) ([]*storage.Message, error)
	Today(ctx context.Context) (*storage.DailyAggregate, error)
	HourlyToday(ctx context.Context) ([]storage.HourlyRow, error)
}

// SubscriptionOps is the slice of the subscription service the executor uses.
type SubscriptionOps interface {
	Subscribe(ctx context.Context, userRowID int64, subType string) error
	Unsubscribe(ctx context.Context, userRowID int64) error
	List(ctx context.Context, userRowID int64) ([]storage.Subscription, error)
}

// UserResolver maps a mesh sender id onto a persisted user row.
type UserResolver interface {
	GetOrCreateUser(ctx context.Context, userID int64, username string, meshID *string, role *int64) (*storage.User, error)
}

// AuditLog records every recognized command.
type AuditLog interface {
	LogCommand(ctx context.Context, userID int64, username string, meshID *string, command string, responseSent, rateLimited bool) error
}

// StatusFunc snapshots the ingestion client for "stats status".
type StatusFunc func() ingest.Status

// Executor parses and dispatches commands. Every invocation produces a
// textual reply; internal failures degrade to the help text rather than
// silence.
type Executor struct {
	logger *zap.Logger
	stats  StatsQueries
	subs   SubscriptionOps
	users  UserResolver
	audit  AuditLog
	status StatusFunc
}

func NewExecutor(logger *zap.Logger, stats StatsQueries, subs SubscriptionOps, users UserResolver, audit AuditLog, status StatusFunc) *Executor {
	return &Executor{logger: logger, stats: stats, subs: subs, users: users, audit: audit, status: status}
}

var lastNPattern = regexp.MustCompile(`^last (\d+) messages$`)

// Execute handles one command from a sender. rateLimited commands are still
// logged, but answered only with the rate-limit notice.
func (e *Executor) Execute(ctx context.Context, senderID uint32, senderName, text string, rateLimited bool) string {
	command := normalize(text)

	user, err := e.users.GetOrCreateUser(ctx, int64(senderID), senderName, nil, nil)
	if err != nil {
		e.logger.Error("command: sender resolve failed", zap.Uint32("sender", senderID), zap.Error(err))
		return helpText
	}
	// A reply always goes out, even when it is only the rate-limit notice.
	if err := e.audit.LogCommand(ctx, user.ID, user.Username, user.MeshID, command, true, rateLimited); err != nil {
		e.logger.Warn("command: audit log failed", zap.Error(err))
	}
	if rateLimited {
		return rateLimitNotice
	}

	reply, err := e.dispatch(ctx, user, command)
	if err != nil {
		e.logger.Error("command failed", zap.String("command", command), zap.Error(err))
		return helpText
	}
	return reply
}

// normalize strips the prefix and lowercases, collapsing interior runs of
// whitespace so "!Stats   Last  Message" matches.
func normalize(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, Prefix)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func (e *Executor) dispatch(ctx context.Context, user *storage.User, command string) (string, error) {
	switch {
	case command == "help":
		return helpText, nil
	case command == "about":
		return aboutText, nil
	case command == "unsubscribe":
		if err := e.subs.Unsubscribe(ctx, user.ID); err != nil {
			return "", err
		}
		return "Unsubscribed from all updates.", nil
	case command == "my_subscriptions":
		return e.listSubscriptions(ctx, user)
	case strings.HasPrefix(command, "subscribe "):
		return e.subscribe(ctx, user, strings.TrimPrefix(command, "subscribe "))
	case strings.HasPrefix(command, "stats "):
		return e.statsCommand(ctx, user, strings.TrimPrefix(command, "stats "))
	default:
		return helpText, nil
	}
}

func (e *Executor) subscribe(ctx context.Context, user *storage.User, subType string) (string, error) {
	err := e.subs.Subscribe(ctx, user.ID, subType)
	if err != nil {
		if errors.Is(err, service.ErrInvalidSubscriptionType) {
			return fmt.Sprintf("Unknown subscription type %q. Use daily_low, daily_avg or daily_high.", subType), nil
		}
		return "", err
	}
	return fmt.Sprintf("Subscribed to %s updates.", subType), nil
}

func (e *Executor) listSubscriptions(ctx context.Context, user *storage.User) (string, error) {
	subs, err := e.subs.List(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if len(subs) == 0 {
		return "No active subscriptions. Use !subscribe to add one.", nil
	}
	types := make([]string, len(subs))
	for i, s := range subs {
		types[i] = s.Type
	}
	return "Active subscriptions: " + strings.Join(types, ", "), nil
}

func (e *Executor) statsCommand(ctx context.Context, user *storage.User, sub string) (string, error) {
	switch {
	case sub == "last message":
		return e.lastMessage(ctx, user)
	case sub == "today":
		return e.today(ctx, false)
	case sub == "today detailed":
		return e.today(ctx, true)
	case sub == "status":
		return e.connectionStatus(), nil
	default:
		if m := lastNPattern.FindStringSubmatch(sub); m != nil {
			n, _ := strconv.Atoi(m[1])
			return e.lastN(ctx, user, n)
		}
		return helpText, nil
	}
}

func (e *Executor) lastMessage(ctx context.Context, user *storage.User) (string, error) {
	msg, err := e.stats.LastMessageForUser(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "No messages recorded for you yet.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Last message at %s UTC", msg.Timestamp.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "\nHeard by %d gateway(s)", msg.GatewayCount)
	if msg.RSSI != nil {
		fmt.Fprintf(&b, "\nRSSI %d dBm", *msg.RSSI)
	}
	if msg.SNR != nil {
		fmt.Fprintf(&b, "\nSNR %.2f dB", *msg.SNR)
	}
	if msg.Payload != nil && *msg.Payload != "" {
		fmt.Fprintf(&b, "\n%q", truncate(*msg.Payload, 60))
	}
	return b.String(), nil
}

func (e *Executor) lastN(ctx context.Context, user *storage.User, n int) (string, error) {
	msgs, err := e.stats.LastNForUser(ctx, user.ID, n)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "No messages recorded for you yet.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your last %d message(s):", len(msgs))
	for i, m := range msgs {
		payload := ""
		if m.Payload != nil {
			payload = truncate(*m.Payload, 40)
		}
		fmt.Fprintf(&b, "\n%d. [%s] %s (%d gw)", i+1, m.Timestamp.UTC().Format("15:04"), payload, m.GatewayCount)
	}
	return b.String(), nil
}

func (e *Executor) today(ctx context.Context, detailed bool) (string, error) {
	agg, err := e.stats.Today(ctx)
	if err != nil {
		return "", err
	}
	if agg.MessageCount == 0 {
		return "No messages recorded today yet.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Today (%s): %d messages", agg.Date, agg.MessageCount)
	fmt.Fprintf(&b, "\nGateways per message: avg %.1f, min %d, max %d",
		agg.AverageGateways, agg.MinGateways, agg.MaxGateways)
	if !detailed {
		return b.String(), nil
	}
	hours, err := e.stats.HourlyToday(ctx)
	if err != nil {
		return "", err
	}
	for _, h := range hours {
		fmt.Fprintf(&b, "\n%02d:00 - %d msg(s), avg %.1f gw", h.Hour, h.MessageCount, h.AverageGateways)
	}
	return b.String(), nil
}

func (e *Executor) connectionStatus() string {
	if e.status == nil {
		return "Ingestion status unavailable."
	}
	st := e.status()
	conn := "disconnected"
	if st.Connected {
		conn = "connected"
	}
	last := "never"
	if !st.LastMessage.IsZero() {
		last = st.LastMessage.UTC().Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf("MQTT: %s\nMessages today: %d\nLast message: %s\nReconnects: %d\nUptime: %s",
		conn, st.MessagesToday, last, st.Reconnects, st.Uptime)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
