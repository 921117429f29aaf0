package auth

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/playwright-community/playwright-go"

	"hotel_sweeper/search"
)

const (
	twoStepAttempts = 3
	twoStepCooldown = 25 * time.Second
)

// lockMarkers are phrases the portal renders when it refuses further
// verification attempts.
var lockMarkers = []string{
	"your account has been locked",
	"account is temporarily locked",
	"we've locked your account",
	"too many attempts",
}

// TwoStepVerifier drives the identity-check interstitial: it requests a
// code, obtains it through the configured resolver, and submits it.
type TwoStepVerifier struct {
	resolver OtpResolver
}

func NewTwoStepVerifier(resolver OtpResolver) *TwoStepVerifier {
	return &TwoStepVerifier{resolver: resolver}
}

// Required reports whether the page is currently on a two-step prompt.
func (v *TwoStepVerifier) Required(page playwright.Page) bool {
	for _, selector := range []string{
		"input[name='otp']",
		"input[id*='one-time']",
		"[data-testid*='one-time-password']",
		"button:has-text('Send code')",
	} {
		if visible, _ := page.Locator(selector).First().IsVisible(); visible {
			return true
		}
	}
	content, err := page.Content()
	if err != nil {
		return false
	}
	lowered := strings.ToLower(content)
	return strings.Contains(lowered, "confirm it's you") || strings.Contains(lowered, "one-time verification code")
}

// Complete runs the verification loop. A lock message from the portal
// aborts immediately since retrying only extends the lock.
func (v *TwoStepVerifier) Complete(ctx context.Context, page playwright.Page) error {
	var lastErr error
	for attempt := 1; attempt <= twoStepAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if locked, marker := v.accountLocked(page); locked {
			return fmt.Errorf("%w (portal said: %s)", search.ErrAccountLocked, marker)
		}
		if attempt > 1 {
			log.Printf("Two-step attempt %d/%d after cooldown", attempt, twoStepAttempts)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(twoStepCooldown):
			}
		}

		if err := v.attemptOnce(ctx, page); err != nil {
			lastErr = err
			log.Printf("Two-step verification attempt %d failed: %v", attempt, err)
			continue
		}

		v.dismissDevicePrompt(page)
		return nil
	}
	if locked, marker := v.accountLocked(page); locked {
		return fmt.Errorf("%w (portal said: %s)", search.ErrAccountLocked, marker)
	}
	return fmt.Errorf("two-step verification failed after %d attempts: %w", twoStepAttempts, lastErr)
}

func (v *TwoStepVerifier) attemptOnce(ctx context.Context, page playwright.Page) error {
	v.selectEmailDelivery(page)

	for _, selector := range []string{
		"button:has-text('Send code')",
		"button:has-text('Send the code')",
		"button[data-testid*='request-code']",
	} {
		button := page.Locator(selector).First()
		if visible, _ := button.IsVisible(); visible {
			button.Click()
			page.WaitForTimeout(2000)
			break
		}
	}

	code, err := v.resolver.ObtainCode(ctx)
	if err != nil {
		return fmt.Errorf("obtain verification code: %w", err)
	}

	var filled bool
	for _, selector := range []string{
		"input[name='otp']",
		"input[id*='one-time']",
		"input[autocomplete='one-time-code']",
	} {
		field := page.Locator(selector).First()
		if visible, _ := field.IsVisible(); visible {
			if err := field.Fill(code); err != nil {
				return fmt.Errorf("fill verification code: %w", err)
			}
			filled = true
			break
		}
	}
	if !filled {
		return fmt.Errorf("verification code field not found")
	}

	for _, selector := range []string{
		"button:has-text('Verify')",
		"button:has-text('Continue')",
		"button[type='submit']",
	} {
		button := page.Locator(selector).First()
		if visible, _ := button.IsVisible(); visible {
			button.Click()
			break
		}
	}

	page.WaitForTimeout(3000)
	if locked, marker := v.accountLocked(page); locked {
		return fmt.Errorf("%w (portal said: %s)", search.ErrAccountLocked, marker)
	}
	if v.Required(page) {
		return fmt.Errorf("portal still asking for verification after code submission")
	}
	return nil
}

// selectEmailDelivery picks the email option when the portal offers a
// choice of channels.
func (v *TwoStepVerifier) selectEmailDelivery(page playwright.Page) {
	for _, selector := range []string{
		"input[type='radio'][value*='email' i]",
		"label:has-text('Email')",
		"[data-testid*='email-option']",
	} {
		option := page.Locator(selector).First()
		if visible, _ := option.IsVisible(); visible {
			option.Click()
			page.WaitForTimeout(500)
			return
		}
	}
}

// dismissDevicePrompt clears the optional "remember this device"
// interstitial that sometimes follows a successful verification.
func (v *TwoStepVerifier) dismissDevicePrompt(page playwright.Page) {
	for _, selector := range []string{
		"button:has-text('Not now')",
		"button:has-text('Maybe later')",
		"button:has-text('Skip')",
	} {
		button := page.Locator(selector).First()
		if visible, _ := button.IsVisible(); visible {
			button.Click()
			page.WaitForTimeout(1000)
			return
		}
	}
}

// accountLocked parses the current document for lockout language. The
// markup shifts between portal versions, so matching runs on rendered
// text rather than selectors.
func (v *TwoStepVerifier) accountLocked(page playwright.Page) (bool, string) {
	content, err := page.Content()
	if err != nil {
		return false, ""
	}
	document, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return false, ""
	}
	text := strings.ToLower(document.Find("body").Text())
	for _, marker := range lockMarkers {
		if strings.Contains(text, marker) {
			return true, marker
		}
	}
	return false, ""
}
