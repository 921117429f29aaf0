package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"hotel_sweeper/config"
)

const (
	nextAuthCookie     = "__Secure-next-auth.session-token"
	minSessionValidity = 6 * time.Hour
	postLoginTimeout   = 45 * time.Second
	loginPollInterval  = 2 * time.Second
)

// legacySessionCookies form the older session marker pair; both must be
// present to count.
var legacySessionCookies = []string{"amexsessioncookie", "aat"}

// transientCookies are bot-mitigation cookies that churn constantly and
// poison a reused storage state, so they are stripped before saving.
var transientCookies = map[string]bool{
	"ak_bmsc":                        true,
	"_abck":                          true,
	"bm_sv":                          true,
	"bm_sz":                          true,
	"bm_mi":                          true,
	"akaalb_www_prebookingcookie_v0": true,
	"akaalb_www_one_v8":              true,
}

// LoginFlow authenticates a browser context against the travel portal,
// reusing a stored session when one is still valid.
type LoginFlow struct {
	cfg      config.AuthConfig
	debugDir string
	verifier *TwoStepVerifier
}

func NewLoginFlow(cfg config.AuthConfig, debugDir string, verifier *TwoStepVerifier) *LoginFlow {
	return &LoginFlow{cfg: cfg, debugDir: debugDir, verifier: verifier}
}

// Login ensures the context carries an authenticated travel session.
func (f *LoginFlow) Login(ctx context.Context, browserContext playwright.BrowserContext) error {
	if ok, _ := f.sessionEstablished(browserContext); ok {
		log.Printf("Reusing existing travel session")
		return nil
	}

	page, err := browserContext.NewPage()
	if err != nil {
		return fmt.Errorf("open login page: %w", err)
	}
	defer page.Close()

	if _, err := page.Goto(f.cfg.BaseURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(60000),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return fmt.Errorf("open travel portal: %w", err)
	}
	page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(10000),
	})

	// Loading the portal may silently re-establish the session from a
	// restored storage state.
	if ok, _ := f.sessionEstablished(browserContext); ok {
		log.Printf("Session restored from storage state")
		return nil
	}

	if err := f.submitCredentials(page); err != nil {
		f.saveDebugArtifacts(browserContext, page, "credentials")
		return err
	}

	if f.verifier != nil && f.verifier.Required(page) {
		log.Printf("Two-step verification requested")
		if err := f.verifier.Complete(ctx, page); err != nil {
			f.saveDebugArtifacts(browserContext, page, "two-step")
			return err
		}
	}

	if err := f.awaitSession(ctx, browserContext, page); err != nil {
		f.saveDebugArtifacts(browserContext, page, "post-login")
		return err
	}

	if err := f.saveStorageState(browserContext); err != nil {
		log.Printf("Failed to persist storage state: %v", err)
	}
	log.Printf("Login complete")
	return nil
}

func (f *LoginFlow) submitCredentials(page playwright.Page) error {
	userField := firstVisible(page,
		"input#eliloUserID", "input[name='UserID']", "input[name='username']", "input[type='email']")
	if userField == nil {
		return fmt.Errorf("login form not found on %s", page.URL())
	}
	if err := userField.Fill(f.cfg.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}

	passwordField := firstVisible(page,
		"input#eliloPassword", "input[name='Password']", "input[type='password']")
	if passwordField == nil {
		return fmt.Errorf("password field not found")
	}
	if err := passwordField.Fill(f.cfg.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	submit := firstVisible(page,
		"button#loginSubmit", "button[type='submit']", "input[type='submit']")
	if submit == nil {
		return fmt.Errorf("login submit button not found")
	}
	if err := submit.Click(); err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}
	page.WaitForTimeout(3000)
	return nil
}

// awaitSession polls for the session cookies. Landing on the travel
// host also counts, since the portal redirects only after auth.
func (f *LoginFlow) awaitSession(ctx context.Context, browserContext playwright.BrowserContext, page playwright.Page) error {
	deadline := time.Now().Add(postLoginTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ok, marker := f.sessionEstablished(browserContext); ok {
			log.Printf("Travel session established (%s)", marker)
			return nil
		}
		if strings.Contains(page.URL(), "travel.americanexpress.com") {
			log.Printf("Travel session established (redirect to travel host)")
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no travel session within %s of login", postLoginTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(loginPollInterval):
		}
	}
}

// sessionEstablished checks the context cookie jar for a usable session
// marker. A next-auth token about to expire is treated as absent so a
// sweep never starts on borrowed time.
func (f *LoginFlow) sessionEstablished(browserContext playwright.BrowserContext) (bool, string) {
	cookies, err := browserContext.Cookies()
	if err != nil {
		return false, ""
	}

	legacy := make(map[string]bool, len(legacySessionCookies))
	for _, cookie := range cookies {
		if cookie.Name == nextAuthCookie {
			expires := time.Unix(int64(cookie.Expires), 0)
			if cookie.Expires <= 0 || time.Until(expires) > minSessionValidity {
				return true, nextAuthCookie
			}
			log.Printf("Session token expires at %s; treating as stale", expires.Format(time.RFC3339))
			continue
		}
		for _, name := range legacySessionCookies {
			if cookie.Name == name {
				legacy[name] = true
			}
		}
	}
	if len(legacy) == len(legacySessionCookies) {
		return true, "legacy cookie pair"
	}
	return false, ""
}

// saveStorageState writes the context state for reuse, minus the
// transient bot-mitigation cookies.
func (f *LoginFlow) saveStorageState(browserContext playwright.BrowserContext) error {
	if f.cfg.StorageStatePath == "" {
		return nil
	}
	state, err := browserContext.StorageState()
	if err != nil {
		return err
	}

	kept := state.Cookies[:0]
	for _, cookie := range state.Cookies {
		if transientCookies[cookie.Name] {
			continue
		}
		kept = append(kept, cookie)
	}
	state.Cookies = kept

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.cfg.StorageStatePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(f.cfg.StorageStatePath, data, 0600)
}

// saveDebugArtifacts captures a screenshot, the page HTML, and the
// cookie jar for a failed login. Best effort only; a debug failure must
// never mask the login error.
func (f *LoginFlow) saveDebugArtifacts(browserContext playwright.BrowserContext, page playwright.Page, stage string) {
	if f.debugDir == "" {
		return
	}
	if err := os.MkdirAll(f.debugDir, 0755); err != nil {
		log.Printf("Cannot create debug dir %s: %v", f.debugDir, err)
		return
	}
	prefix := fmt.Sprintf("%s_%s_%s", time.Now().UTC().Format("20060102T150405"), stage, uuid.NewString()[:8])

	screenshotPath := filepath.Join(f.debugDir, prefix+".png")
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(screenshotPath),
		FullPage: playwright.Bool(true),
	}); err != nil {
		log.Printf("Debug screenshot failed: %v", err)
	}

	if content, err := page.Content(); err == nil {
		os.WriteFile(filepath.Join(f.debugDir, prefix+".html"), []byte(content), 0644)
	}

	if cookies, err := browserContext.Cookies(); err == nil {
		if data, err := json.MarshalIndent(cookies, "", "  "); err == nil {
			os.WriteFile(filepath.Join(f.debugDir, prefix+"_cookies.json"), data, 0600)
		}
	}
	log.Printf("Login debug artifacts saved under %s (prefix %s)", f.debugDir, prefix)
}

func firstVisible(page playwright.Page, selectors ...string) playwright.Locator {
	for _, selector := range selectors {
		locator := page.Locator(selector).First()
		if visible, _ := locator.IsVisible(); visible {
			return locator
		}
	}
	return nil
}
