// Command pollwatch watches Poll Everywhere pages for new questions.
//
// Usage:
//
//	pollwatch -config pollwatch.yaml            # watch the configured pages
//	pollwatch -url https://pollev.com/someone   # watch one page with defaults
//	pollwatch probe https://pollev.com/someone  # report selector matches and exit
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pollwatch/browser"
	"github.com/hazyhaar/pollwatch/config"
	"github.com/hazyhaar/pollwatch/idgen"
	"github.com/hazyhaar/pollwatch/monitor"
	"github.com/hazyhaar/pollwatch/poller"
	"github.com/hazyhaar/pollwatch/question"
)

func main() {
	configPath := flag.String("config", "", "path to pollwatch.yaml config file")
	singleURL := flag.String("url", "", "watch a single URL")
	stealth := flag.String("stealth", "", "page mode for -url and probe: http, headless, headful")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pollwatch:", err)
		os.Exit(1)
	}
	cfg.ApplyEnv(os.Getenv)
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *stealth != "" {
		cfg.Browser.Stealth = *stealth
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, *singleURL, flag.Args()); err != nil {
		logger.Error("pollwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, singleURL string, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "probe":
			if len(args) != 2 {
				return fmt.Errorf("usage: pollwatch probe <url>")
			}
			return runProbe(ctx, logger, cfg, args[1])
		case "run":
		default:
			return fmt.Errorf("unknown command %q", args[0])
		}
	}

	if singleURL != "" {
		cfg.Pages = []config.PageConfig{{
			ID:      idgen.New(),
			URL:     singleURL,
			Stealth: cfg.Browser.Stealth,
		}}
	}
	if len(cfg.Pages) == 0 {
		return fmt.Errorf("no pages to watch: use -config or -url")
	}

	m, err := monitor.New(cfg, logger)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

// runProbe loads url once and prints how every selector fares against it,
// followed by the questions the extractor would report.
func runProbe(ctx context.Context, logger *slog.Logger, cfg *config.Config, url string) error {
	level, err := browser.ParseLevel(cfg.Browser.Stealth)
	if err != nil {
		return err
	}

	var page poller.Page
	if level == browser.LevelHTTP {
		page = browser.NewHTTPPage("probe", url, browser.WithHTTPLogger(logger))
	} else {
		mgr := browser.NewManager(browser.Config{
			RemoteURL:        cfg.Browser.Remote,
			Stealth:          level,
			ResourceBlocking: cfg.Browser.ResourceBlocking,
			NavigateTimeout:  cfg.Browser.NavigateTimeout,
			XvfbDisplay:      cfg.Browser.XvfbDisplay,
			Logger:           logger,
		})
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start browser: %w", err)
		}
		defer mgr.Close()
		tab, err := mgr.OpenTab(ctx, url, level)
		if err != nil {
			return err
		}
		page = tab
	}

	html, loc, err := page.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	ext := question.NewExtractor(cfg.Rules, logger)
	report := struct {
		URL       string                 `json:"url"`
		Selectors []question.ProbeResult `json:"selectors"`
		Questions []question.Question    `json:"questions"`
	}{
		URL:       loc,
		Selectors: question.Probe(doc, cfg.Rules),
		Questions: ext.Extract(doc, loc, time.Now()),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
