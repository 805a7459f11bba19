// Package app wires the daemon together: settings store, WebSocket
// server, bridge, classifier, group registry and pipeline, plus the
// message dispatch loop.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/moezakura/ai-tab-sorter/internal/aiclient"
	"github.com/moezakura/ai-tab-sorter/internal/browser"
	"github.com/moezakura/ai-tab-sorter/internal/classify"
	"github.com/moezakura/ai-tab-sorter/internal/config"
	"github.com/moezakura/ai-tab-sorter/internal/groups"
	"github.com/moezakura/ai-tab-sorter/internal/pipeline"
	"github.com/moezakura/ai-tab-sorter/internal/ratelimit"
	"github.com/moezakura/ai-tab-sorter/internal/server"
	"github.com/moezakura/ai-tab-sorter/internal/storage"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// App owns every long-lived component of the daemon.
type App struct {
	cfg        *config.Config
	store      *storage.Store
	srv        *server.Server
	bridge     *browser.Bridge
	client     *aiclient.Client
	classifier *classify.Classifier
	registry   *groups.Registry
	pipeline   *pipeline.Manager
}

// New builds the full component graph from configuration and the
// persisted settings.
func New(cfg *config.Config) (*App, error) {
	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	settings, err := store.GetSettings()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}

	srv := server.New(cfg.Port)
	bridge := browser.NewBridge(srv)
	client := aiclient.New(settings.APIConfig)
	limiter := ratelimit.New(cfg.MaxRequests, time.Duration(cfg.WindowMS)*time.Millisecond)
	classifier := classify.New(client, limiter, settings.Categories)
	registry := groups.New(bridge, classifier.Categories)
	manager := pipeline.New(classifier, registry, bridge, store, settings, cfg.MaxConcurrent)

	a := &App{
		cfg:        cfg,
		store:      store,
		srv:        srv,
		bridge:     bridge,
		client:     client,
		classifier: classifier,
		registry:   registry,
		pipeline:   manager,
	}

	manager.AddListener(func(status types.ProcessingStatus) {
		if err := srv.Send(server.OutgoingMsg{Type: server.TypeProcessingStatus, Payload: status}); err != nil {
			slog.Debug("status push failed", "error", err)
		}
	})

	return a, nil
}

// Store exposes the settings store for the dashboard.
func (a *App) Store() *storage.Store { return a.store }

// Pipeline exposes the pipeline for the dashboard.
func (a *App) Pipeline() *pipeline.Manager { return a.pipeline }

// Connected reports whether the bridge extension is connected.
func (a *App) Connected() bool { return a.srv.Connected() }

// Run starts the WebSocket server and processes messages until the
// context is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.srv.OnConnectionChange(func(connected bool) {
		if !connected {
			return
		}
		// Fresh connection: re-learn the group landscape and sweep
		// whatever tabs are already open.
		go func() {
			a.registry.Init(ctx)
			a.pipeline.InitializeExistingTabs(ctx)
		}()
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.ListenAndServe(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg := <-a.srv.Messages():
			if a.bridge.Deliver(msg) {
				continue
			}
			a.handleMessage(ctx, msg)
		}
	}
}

// Close releases resources held by the app.
func (a *App) Close() error {
	return a.store.Close()
}

type tabIDPayload struct {
	TabID int `json:"tabId"`
}

type groupTabPayload struct {
	TabID    int    `json:"tabId"`
	Category string `json:"category"`
}

type contentExtractedPayload struct {
	TabID   int               `json:"tabId"`
	Content types.PageContent `json:"content"`
}

func (a *App) handleMessage(ctx context.Context, msg server.IncomingMsg) {
	switch msg.Type {
	case server.TypeContentExtracted:
		var p contentExtractedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("bad CONTENT_EXTRACTED payload", "error", err)
			return
		}
		go a.pipeline.ProcessExtractedContent(ctx, p.TabID, p.Content)

	case server.TypeClassifyTab:
		var p tabIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("bad CLASSIFY_TAB payload", "error", err)
			return
		}
		a.pipeline.Enqueue(ctx, p.TabID)
		a.reply(msg, map[string]any{"queued": true, "tabId": p.TabID})

	case server.TypeGroupTab:
		var p groupTabPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("bad GROUP_TAB payload", "error", err)
			return
		}
		go a.registry.PlaceTab(ctx, p.TabID, p.Category)

	case server.TypeUngroupTab:
		var p tabIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("bad UNGROUP_TAB payload", "error", err)
			return
		}
		go a.registry.RemoveTabFromGroup(ctx, p.TabID)

	case server.TypeSettingsUpdated:
		var settings types.Settings
		if err := json.Unmarshal(msg.Payload, &settings); err != nil {
			slog.Warn("bad SETTINGS_UPDATED payload", "error", err)
			return
		}
		settings = NormalizeSettings(settings)
		if err := a.store.SaveSettings(settings); err != nil {
			slog.Error("settings save failed", "error", err)
		}
		a.pipeline.UpdateSettings(settings)
		slog.Info("settings updated", "categories", len(settings.Categories), "enabled", settings.Enabled)

	case server.TypeGetProcessingStatus:
		status := a.pipeline.Status()
		if err := a.srv.Send(server.OutgoingMsg{ID: msg.ID, Type: server.TypeProcessingStatus, Payload: status}); err != nil {
			slog.Debug("status reply failed", "error", err)
		}

	case server.TypeTestConnection:
		go func() {
			checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			ok := a.client.TestConnection(checkCtx)
			if err := a.store.SaveAPIStatus(ok); err != nil {
				slog.Warn("api status save failed", "error", err)
			}
			a.reply(msg, map[string]any{"success": ok})
		}()

	case server.TypeTabCreated:
		var tab types.Tab
		if err := json.Unmarshal(msg.Payload, &tab); err != nil {
			slog.Warn("bad TAB_CREATED payload", "error", err)
			return
		}
		a.pipeline.HandleNewTab(ctx, tab)

	case server.TypeTabUpdated:
		var tab types.Tab
		if err := json.Unmarshal(msg.Payload, &tab); err != nil {
			slog.Warn("bad TAB_UPDATED payload", "error", err)
			return
		}
		if tab.Status == "complete" {
			a.pipeline.HandleTabUpdate(ctx, tab)
		}

	case server.TypeTabRemoved:
		var p tabIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("bad TAB_REMOVED payload", "error", err)
			return
		}
		a.pipeline.HandleTabRemoval(p.TabID)

	default:
		slog.Warn("unknown message type", "type", msg.Type)
	}
}

// reply echoes the request ID back with a payload, when the sender asked
// for one.
func (a *App) reply(msg server.IncomingMsg, payload any) {
	if msg.ID == "" {
		return
	}
	if err := a.srv.Send(server.OutgoingMsg{ID: msg.ID, Type: msg.Type, Payload: payload}); err != nil {
		slog.Debug("reply failed", "type", msg.Type, "error", err)
	}
}

// NormalizeSettings fills holes in a settings object received from the
// extension so downstream components never see an unusable value.
func NormalizeSettings(s types.Settings) types.Settings {
	defaults := types.DefaultSettings()
	if s.APIConfig.APIURL == "" {
		s.APIConfig.APIURL = defaults.APIConfig.APIURL
	}
	if s.APIConfig.Model == "" {
		s.APIConfig.Model = defaults.APIConfig.Model
	}
	if s.APIConfig.MaxTokens <= 0 {
		s.APIConfig.MaxTokens = defaults.APIConfig.MaxTokens
	}
	if s.APIConfig.Temperature < 0 || s.APIConfig.Temperature > 2 {
		s.APIConfig.Temperature = defaults.APIConfig.Temperature
	}
	if s.GroupingDelayMS <= 0 {
		s.GroupingDelayMS = defaults.GroupingDelayMS
	}

	valid := s.Categories[:0:0]
	for _, cat := range s.Categories {
		if cat.Name == "" {
			continue
		}
		valid = append(valid, cat)
	}
	s.Categories = valid
	if len(s.Categories) == 0 {
		s.Categories = defaults.Categories
	}
	return s
}
