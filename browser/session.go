package browser

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/playwright-community/playwright-go"

	"hotel_sweeper/auth"
	"hotel_sweeper/config"
	"hotel_sweeper/scraper"
	"hotel_sweeper/search"
)

var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-dev-shm-usage",
	"--no-sandbox",
}

// Runtime owns the Playwright driver and browser process. Contexts come
// and go across session rebuilds; the runtime survives the whole sweep.
type Runtime struct {
	cfg config.BrowserConfig

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewRuntime(cfg config.BrowserConfig) *Runtime {
	return &Runtime{cfg: cfg}
}

func (r *Runtime) start() error {
	if r.pw != nil {
		return nil
	}
	pw, err := playwright.Run()
	if err != nil {
		return fmt.Errorf("start playwright: %w", err)
	}
	r.pw = pw
	return nil
}

// NewContext opens a fresh browser context. A persistent user data dir
// takes precedence; otherwise a stored storage state is restored when
// present.
func (r *Runtime) NewContext() (playwright.BrowserContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.start(); err != nil {
		return nil, err
	}

	if r.cfg.UserDataDir != "" {
		browserContext, err := r.pw.Chromium.LaunchPersistentContext(r.cfg.UserDataDir,
			playwright.BrowserTypeLaunchPersistentContextOptions{
				Headless: playwright.Bool(r.cfg.Headless),
				SlowMo:   playwright.Float(float64(r.cfg.SlowMoMS)),
				Args:     launchArgs,
				Viewport: &playwright.Size{Width: r.cfg.ViewportWidth, Height: r.cfg.ViewportHeight},
			})
		if err != nil {
			return nil, fmt.Errorf("launch persistent context: %w", err)
		}
		return browserContext, nil
	}

	if r.browser == nil || !r.browser.IsConnected() {
		browser, err := r.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(r.cfg.Headless),
			SlowMo:   playwright.Float(float64(r.cfg.SlowMoMS)),
			Args:     launchArgs,
		})
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		r.browser = browser
	}

	options := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: r.cfg.ViewportWidth, Height: r.cfg.ViewportHeight},
	}
	if r.cfg.UserAgent != "" {
		options.UserAgent = playwright.String(r.cfg.UserAgent)
	}
	return r.browser.NewContext(options)
}

// NewContextWithState restores a saved storage state when the file
// exists, falling back to a clean context.
func (r *Runtime) NewContextWithState(storageStatePath string) (playwright.BrowserContext, error) {
	if r.cfg.UserDataDir != "" || storageStatePath == "" {
		return r.NewContext()
	}
	if _, err := os.Stat(storageStatePath); err != nil {
		return r.NewContext()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.start(); err != nil {
		return nil, err
	}
	if r.browser == nil || !r.browser.IsConnected() {
		browser, err := r.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(r.cfg.Headless),
			SlowMo:   playwright.Float(float64(r.cfg.SlowMoMS)),
			Args:     launchArgs,
		})
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		r.browser = browser
	}

	options := playwright.BrowserNewContextOptions{
		Viewport:         &playwright.Size{Width: r.cfg.ViewportWidth, Height: r.cfg.ViewportHeight},
		StorageStatePath: playwright.String(storageStatePath),
	}
	if r.cfg.UserAgent != "" {
		options.UserAgent = playwright.String(r.cfg.UserAgent)
	}
	return r.browser.NewContext(options)
}

func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		r.browser.Close()
		r.browser = nil
	}
	if r.pw != nil {
		r.pw.Stop()
		r.pw = nil
	}
}

// SweepSession is the live browser session a sweep runs on. Rebuild
// tears down the current context and authenticates a fresh one.
type SweepSession struct {
	runtime *Runtime
	login   *auth.LoginFlow

	storageStatePath string
	warmupEnabled    bool

	mu             sync.Mutex
	browserContext playwright.BrowserContext
}

func NewSweepSession(runtime *Runtime, login *auth.LoginFlow, storageStatePath string, warmupEnabled bool) *SweepSession {
	return &SweepSession{
		runtime:          runtime,
		login:            login,
		storageStatePath: storageStatePath,
		warmupEnabled:    warmupEnabled,
	}
}

func (s *SweepSession) Rebuild(ctx context.Context) (scraper.Fetcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browserContext != nil {
		if err := s.browserContext.Close(); err != nil {
			log.Printf("Closing stale browser context: %v", err)
		}
		s.browserContext = nil
	}

	browserContext, err := s.runtime.NewContextWithState(s.storageStatePath)
	if err != nil {
		return nil, err
	}
	if err := s.login.Login(ctx, browserContext); err != nil {
		browserContext.Close()
		return nil, err
	}

	s.browserContext = browserContext
	return search.NewClient(browserContext, s.warmupEnabled), nil
}

func (s *SweepSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browserContext == nil {
		return nil
	}
	err := s.browserContext.Close()
	s.browserContext = nil
	return err
}
