// Package app provides the main Maki application
package app

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/cstoian/Maki/common/trace"
	"github.com/cstoian/Maki/internal/maki/action"
	makiconfig "github.com/cstoian/Maki/internal/maki/config"
	"github.com/cstoian/Maki/internal/maki/dialogue"
	"github.com/cstoian/Maki/internal/maki/engine"
	"github.com/cstoian/Maki/internal/maki/library"
	"github.com/cstoian/Maki/internal/maki/match"
	"github.com/cstoian/Maki/internal/maki/matrix"
	"github.com/cstoian/Maki/internal/maki/store"
)

// Config holds application configuration
type Config struct {
	DatabasePath string
	Matrix       matrix.Config

	// ScriptsFS is an optional filesystem rooted at the script library
	// directory. When non-nil, every definition in it is validated and
	// upserted into the store on startup. Pass os.DirFS(path) or an
	// embed.FS sub-tree.
	ScriptsFS fs.FS

	// EngineTimeout bounds each local script execution. Zero uses
	// engine.DefaultTimeout.
	EngineTimeout time.Duration

	// ActionAuth configures how the dispatcher authenticates against
	// external action endpoints. The token always comes from the
	// environment, never from chat.
	ActionAuth action.AuthConfig

	// AllowedSenders is an optional allowlist of Matrix user IDs permitted
	// to talk to the bot. When empty, any room member can.
	AllowedSenders []string
}

// App is the main Maki application
type App struct {
	config      *Config
	store       *store.Store
	configStore makiconfig.Store
	matrix      *matrix.Client
	controller  *dialogue.Controller

	// sessions holds one slot per (room, sender). Each slot carries its own
	// mutex so turns of the same conversation are strictly serialized while
	// unrelated conversations proceed in parallel.
	mu       sync.Mutex
	sessions map[string]*sessionSlot
}

type sessionSlot struct {
	mu      sync.Mutex
	session *dialogue.Session
}

// New creates a new Maki application
func New(config *Config) (*App, error) {
	// Initialize database
	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize Matrix client.
	// Inject the DB so the client can persist the sync token across restarts.
	matrixCfg := config.Matrix
	matrixCfg.DB = st.DB()
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	// Seed the script library if a filesystem was provided.
	if config.ScriptsFS != nil {
		n, err := library.Seed(context.Background(), config.ScriptsFS, st)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to seed script library: %w", err)
		}
		slog.Info("script library seeded", "scripts", n)
	}

	// Runtime config store (operator-tunable thresholds, managed out of band).
	configStore := makiconfig.New(st)
	dialogueCfg, err := loadThresholds(context.Background(), configStore)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load thresholds: %w", err)
	}
	slog.Info("dialogue thresholds ready",
		"floor", dialogueCfg.Match.Floor,
		"gap", dialogueCfg.Match.Gap,
		"auto_execute", dialogueCfg.AutoExecute)

	engineTimeout := config.EngineTimeout
	if engineTimeout <= 0 {
		engineTimeout = engine.DefaultTimeout
	}

	controller := dialogue.New(
		st,
		st,
		engine.New(engineTimeout),
		action.New(config.ActionAuth),
		dialogueCfg,
	)

	return &App{
		config:      config,
		store:       st,
		configStore: configStore,
		matrix:      matrixClient,
		controller:  controller,
		sessions:    make(map[string]*sessionSlot),
	}, nil
}

// loadThresholds builds the dialogue configuration from defaults plus any
// operator overrides stored in the config table.
func loadThresholds(ctx context.Context, cfg makiconfig.Store) (dialogue.Config, error) {
	out := dialogue.DefaultConfig

	floor, err := cfg.GetFloat(ctx, makiconfig.KeyMatchFloor, out.Match.Floor)
	if err != nil {
		return out, err
	}
	gap, err := cfg.GetFloat(ctx, makiconfig.KeyMatchGap, out.Match.Gap)
	if err != nil {
		return out, err
	}
	auto, err := cfg.GetFloat(ctx, makiconfig.KeyAutoExecute, out.AutoExecute)
	if err != nil {
		return out, err
	}

	out.Match = match.Config{Floor: floor, Gap: gap}
	out.AutoExecute = auto
	return out, nil
}

// Run starts the Maki application
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start Matrix client
	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	// Send startup message to configured rooms
	for _, roomID := range a.config.Matrix.Rooms {
		a.matrix.SendNotice(ctx, roomID, "Maki is listening. Describe what you want to run, or say \"reset\" to start over.")
	}

	slog.Info("Maki is running; press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops the Maki application
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	slog.Info("closing database")
	a.store.Close()
}

// resetWords are utterances that abandon an in-flight collection session.
var resetWords = map[string]bool{
	"reset":      true,
	"cancel":     true,
	"stop":       true,
	"nevermind":  true,
	"never mind": true,
}

// handleMessage processes incoming Matrix messages
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	// Enforce sender allowlist when configured
	if len(a.config.AllowedSenders) > 0 {
		sender := evt.Sender.String()
		allowed := false
		for _, s := range a.config.AllowedSenders {
			if s == sender {
				allowed = true
				break
			}
		}
		if !allowed {
			// Silently ignore messages from users not on the allowlist
			return
		}
	}

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	roomID := evt.RoomID.String()
	text := msgContent.Body

	slot := a.slotFor(roomID, evt.Sender.String())
	slot.mu.Lock()
	defer slot.mu.Unlock()

	// An explicit reset clears the session without consulting the matcher.
	if resetWords[strings.ToLower(strings.TrimSpace(text))] {
		hadSession := slot.session != nil
		slot.session = nil
		if hadSession {
			a.reply(ctx, roomID, "Okay, I've dropped that conversation. What would you like to do?")
		} else {
			a.reply(ctx, roomID, "Nothing to reset. What would you like to do?")
		}
		return
	}

	turn := a.controller.HandleTurn(ctx, text, slot.session)
	slot.session = turn.UpdatedSession

	slog.Debug("turn handled",
		"trace_id", trace.FromContext(ctx),
		"room", roomID,
		"sender", evt.Sender.String(),
		"in_session", turn.UpdatedSession != nil,
		"executed", turn.Outcome != nil)

	a.reply(ctx, roomID, turn.ResponseText)
}

// slotFor returns (creating if needed) the session slot for a conversation.
func (a *App) slotFor(roomID, sender string) *sessionSlot {
	key := roomID + "|" + sender
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.sessions[key]
	if !ok {
		slot = &sessionSlot{}
		a.sessions[key] = slot
	}
	return slot
}

func (a *App) reply(ctx context.Context, roomID, text string) {
	if text == "" {
		return
	}
	if err := a.matrix.SendMessage(ctx, roomID, text); err != nil {
		slog.Error("failed to send response", "room", roomID, "err", err)
	}
}
