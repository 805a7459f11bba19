package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/moezakura/ai-tab-sorter/internal/aiclient"
	"github.com/moezakura/ai-tab-sorter/internal/app"
	"github.com/moezakura/ai-tab-sorter/internal/applog"
	"github.com/moezakura/ai-tab-sorter/internal/classify"
	"github.com/moezakura/ai-tab-sorter/internal/config"
	"github.com/moezakura/ai-tab-sorter/internal/firefox"
	"github.com/moezakura/ai-tab-sorter/internal/ratelimit"
	"github.com/moezakura/ai-tab-sorter/internal/scan"
	"github.com/moezakura/ai-tab-sorter/internal/storage"
	"github.com/moezakura/ai-tab-sorter/internal/tui"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "daemon":
			runDaemon(os.Args[2:])
			return
		case "scan":
			runScan(os.Args[2:])
			return
		case "profiles":
			runProfiles()
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	// Default: dashboard with the daemon embedded.
	cfg := loadConfig(os.Args[1:])
	if err := applog.Init(cfg.LogDir, cfg.LogLevel, false); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	p := tea.NewProgram(tui.NewModel(a, cfg.Port), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads env config and lets flags override it.
func loadConfig(args []string) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("ai-tab-sorter", flag.ExitOnError)
	port := fs.Int("port", cfg.Port, "WebSocket port the extension connects to")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)

	cfg.Port = *port
	cfg.LogLevel = *logLevel
	return cfg
}

func runDaemon(args []string) {
	cfg := loadConfig(args)
	if err := applog.Init(cfg.LogDir, cfg.LogLevel, true); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runScan(args []string) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	profileName := fs.String("profile", "", "Firefox profile name (default: the default profile)")
	fetch := fs.Bool("fetch", false, "Fetch pages and classify on extracted content")
	limit := fs.Int("limit", 0, "Stop after classifying this many tabs (0 = no limit)")
	timeout := fs.Duration("timeout", 10*time.Minute, "Overall scan timeout")
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := applog.Init(cfg.LogDir, "warn", false); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening settings store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()
	settings, err := store.GetSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading settings: %v\n", err)
		os.Exit(1)
	}

	sess, err := resolveSession(*profileName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.MaxRequests, time.Duration(cfg.WindowMS)*time.Millisecond)
	classifier := classify.New(aiclient.New(settings.APIConfig), limiter, settings.Categories)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Fprintf(os.Stderr, "Scanning %d tabs from profile %q...\n", len(sess.Tabs), sess.Profile.Name)
	result := scan.Run(ctx, sess, classifier.Classify, scan.Options{Fetch: *fetch, Limit: *limit})
	fmt.Print(scan.FormatDryRun(result, classifier.Categories()))
}

func runProfiles() {
	profiles, err := firefox.DiscoverProfiles()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error discovering Firefox profiles: %v\n", err)
		os.Exit(1)
	}
	if len(profiles) == 0 {
		fmt.Fprintln(os.Stderr, "No Firefox profiles found.")
		os.Exit(1)
	}

	for _, p := range profiles {
		suffix := ""
		if p.IsDefault {
			suffix = " [default]"
		}
		fmt.Printf("%s (%s)%s\n", p.Name, p.Path, suffix)
	}
}

// resolveSession reads session data for the named profile, defaulting to
// the profile marked default in profiles.ini.
func resolveSession(profileName string) (*types.SessionData, error) {
	profiles, err := firefox.DiscoverProfiles()
	if err != nil {
		return nil, fmt.Errorf("discover profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no Firefox profiles found")
	}

	var profile types.Profile
	if profileName != "" {
		found := false
		for _, p := range profiles {
			if p.Name == profileName {
				profile = p
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("profile %q not found", profileName)
		}
	} else {
		profile = profiles[0]
		for _, p := range profiles {
			if p.IsDefault {
				profile = p
				break
			}
		}
	}

	sess, err := firefox.ReadSessionFile(profile.Path)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	sess.Profile = profile
	return sess, nil
}

func printHelp() {
	fmt.Print(`ai-tab-sorter — AI tab classification daemon

Usage:
  ai-tab-sorter                       Start the dashboard with the daemon embedded
    --port <n>         WebSocket port the extension connects to (default: 19400)
    --log-level <lvl>  Log level: debug, info, warn, error (default: info)

  ai-tab-sorter daemon                Run headless (logs to stderr and file)

  ai-tab-sorter scan                  Classify a Firefox session file (dry run)
    --profile <name>   Firefox profile name (default: the default profile)
    --fetch            Fetch pages and classify on extracted content
    --limit <n>        Stop after classifying this many tabs
    --timeout <d>      Overall scan timeout (default: 10m)

  ai-tab-sorter profiles              List Firefox profiles

Environment:
  AITABSORTER_PORT            WebSocket port (default: 19400)
  AITABSORTER_DB              SQLite database path
  AITABSORTER_LOG_DIR         Log directory
  AITABSORTER_LOG_LEVEL       Log level
  AITABSORTER_MAX_REQUESTS    Classification requests per window (default: 10)
  AITABSORTER_WINDOW_MS       Rate limit window in milliseconds (default: 60000)
  AITABSORTER_MAX_CONCURRENT  Concurrent classifications (default: 5)
`)
}
