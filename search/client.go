package search

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/playwright-community/playwright-go"

	"hotel_sweeper/models"
)

const (
	BookRootURL       = "https://www.travel.americanexpress.com/en-us/book/"
	PropertiesURL     = "https://www.travel.americanexpress.com/en-us/book/api/lxp/hotel/properties"
	AuthSessionURL    = "https://www.travel.americanexpress.com/en-us/book/api/auth/session"
	SearchRedirectURL = "https://consumer-travel.americanexpress.com/en-us/travel/search-redirect"
	ResultsPageURL    = "https://www.travel.americanexpress.com/en-us/book/accommodations/search-results"
)

const (
	tokenCacheKey      = "account_token"
	tokenTTL           = 20 * time.Minute
	tokenFetchAttempts = 5
	pageFetchAttempts  = 3
	responseWaitMS     = 10000
	gotoTimeoutMS      = 60000
	bodyExcerptLimit   = 512
)

// Client drives property searches through an authenticated browser
// context. The API requests ride on the context's cookie jar, so the
// backend sees them as ordinary in-page traffic.
type Client struct {
	context playwright.BrowserContext
	page    playwright.Page

	warmupEnabled bool
	warmupNeeded  bool

	tokens *gocache.Cache

	mu                 sync.Mutex
	observedCustomerID string
}

func NewClient(browserContext playwright.BrowserContext, warmupEnabled bool) *Client {
	return &Client{
		context:       browserContext,
		warmupEnabled: warmupEnabled,
		warmupNeeded:  warmupEnabled,
		tokens:        gocache.New(tokenTTL, 5*time.Minute),
	}
}

// FetchProperties runs a search and follows pagination until the
// backend reports no further pages. The aggregate keeps the context of
// the last page, which carries the request id.
func (c *Client) FetchProperties(ctx context.Context, params models.SearchParams) (*models.SearchResults, error) {
	results := &models.SearchResults{
		Context: map[string]any{
			"pagination": map[string]any{"page": 1, "pageSize": 50, "hasNext": false},
		},
	}

	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := c.fetchPage(ctx, params.WithPage(page))
		if err != nil {
			return nil, err
		}

		hotels := extractHotels(payload)
		results.Hotels = append(results.Hotels, hotels...)
		if pageContext, ok := payload["context"].(map[string]any); ok {
			results.Context = pageContext
		}

		if !hasNextPage(payload) || len(hotels) == 0 {
			break
		}
		page++
	}

	log.Printf("Search for %s (%s to %s): %d hotels across %d page(s)",
		params.LocationLabel, params.CheckIn.Format("2006-01-02"),
		params.CheckOut.Format("2006-01-02"), len(results.Hotels), page)
	return results, nil
}

// fetchPage retries a single page through session refreshes. Auth
// rejections force a new account token plus a travel-session reload; a
// third consecutive rejection is reported as unrecoverable.
func (c *Client) fetchPage(ctx context.Context, params models.SearchParams) (map[string]any, error) {
	for attempt := 1; attempt <= pageFetchAttempts; attempt++ {
		token, err := c.ensureAccountToken(attempt > 1)
		if err != nil {
			return nil, &SessionRefreshError{Reason: "unable to obtain account token", Err: err}
		}

		var payload map[string]any
		if c.warmupEnabled && c.warmupNeeded {
			payload, err = c.fetchViaWarmup(params, token)
			if err == nil {
				c.warmupNeeded = false
				return payload, nil
			}
			if isUnauthorized(err) {
				log.Printf("Warmup search rejected as unauthorized (attempt %d/%d), refreshing session", attempt, pageFetchAttempts)
				if err := c.recoverSession(); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		payload, err = c.postProperties(params, token)
		if err == nil {
			return payload, nil
		}
		if isUnauthorized(err) {
			log.Printf("Search rejected as unauthorized (attempt %d/%d), refreshing session", attempt, pageFetchAttempts)
			if err := c.recoverSession(); err != nil {
				return nil, err
			}
			continue
		}
		return nil, err
	}
	return nil, &SessionRefreshError{Reason: "search request failed after refreshing session"}
}

// recoverSession forces a token refresh and reloads the booking page so
// the backend reissues its session cookies. Warmup is re-armed since
// the page state is gone.
func (c *Client) recoverSession() error {
	c.tokens.Delete(tokenCacheKey)
	if _, err := c.ensureAccountToken(true); err != nil {
		return &SessionRefreshError{Reason: "token refresh failed", Err: err}
	}
	if err := c.refreshTravelSession(); err != nil {
		return &SessionRefreshError{Reason: "travel session reload failed", Err: err}
	}
	c.warmupNeeded = c.warmupEnabled
	return nil
}

// fetchViaWarmup loads the consumer search-redirect page, which makes
// the site fire the properties request itself, and captures that
// response. Falls back to a direct API call when nothing is observed.
func (c *Client) fetchViaWarmup(params models.SearchParams, token string) (map[string]any, error) {
	page, err := c.ensurePage()
	if err != nil {
		return nil, err
	}

	var observed playwright.Response
	observed, expectErr := page.ExpectResponse(func(response playwright.Response) bool {
		return strings.HasPrefix(response.URL(), PropertiesURL) &&
			strings.EqualFold(response.Request().Method(), "POST")
	}, func() error {
		return c.performSearchRedirect(page, params, token)
	}, playwright.PageExpectResponseOptions{
		Timeout: playwright.Float(gotoTimeoutMS + responseWaitMS),
	})

	if expectErr != nil || observed == nil {
		log.Printf("No properties response observed during warmup, falling back to direct request")
		return c.postProperties(params, token)
	}

	status := observed.Status()
	if status == 401 || status == 403 {
		return nil, &unauthorizedError{Status: status}
	}
	body, err := observed.Body()
	if err != nil {
		return nil, fmt.Errorf("read warmup response body: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &BackendUnavailableError{Status: status, Body: excerpt(string(body))}
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode warmup response: %w", err)
	}
	return payload, nil
}

// performSearchRedirect navigates to the search-redirect page with the
// search encoded in the requestBody query parameter, the same shape the
// site's own search form produces.
func (c *Client) performSearchRedirect(page playwright.Page, params models.SearchParams, token string) error {
	body := map[string]any{
		"request": map[string]any{
			"rooms": redirectRooms(params),
			"location": map[string]any{
				"geoLocation": map[string]any{
					"latitude":  params.Latitude,
					"longitude": params.Longitude,
				},
				"query":        params.LocationLabel,
				"name":         params.LocationLabel,
				"label":        params.LocationLabel,
				"airportCode":  "",
				"type":         "CITY",
				"id":           params.LocationID,
				"searchIdType": "LOCATION_ID",
			},
			"startDate":    params.CheckIn.Format("01/02/2006"),
			"endDate":      params.CheckOut.Format("01/02/2006"),
			"inavLocation": "hp-hotels",
			"horizonsConfig": map[string]any{
				"includeCenturion":                true,
				"isForcedLoginFeatureFlagEnabled": true,
				"isCardModalEnabled":              false,
				"isFhrThcHorizonsEnabled":         len(params.ProgramFilter) > 0,
			},
			"inav":         "us-travel-hp-hotels-search",
			"accountToken": token,
		},
		"searchType": "hotels",
	}
	if len(params.ProgramFilter) > 0 {
		body["filters"] = map[string]any{"clientProgramFilter": params.ProgramFilter}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	requestBody := base64.RawURLEncoding.EncodeToString(encoded)
	target := SearchRedirectURL + "?requestBody=" + url.QueryEscape(requestBody)

	if _, err := page.Goto(target, playwright.PageGotoOptions{
		Timeout:   playwright.Float(gotoTimeoutMS),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return err
	}
	// Best effort; slow third-party beacons should not fail the search.
	page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(responseWaitMS),
	})
	return nil
}

func redirectRooms(params models.SearchParams) []map[string]any {
	rooms := make([]map[string]any, 0, len(params.Rooms))
	for _, room := range params.Rooms {
		entry := map[string]any{"adults": room.Adults}
		if len(room.Children) > 0 {
			entry["children"] = room.Children
		}
		rooms = append(rooms, entry)
	}
	return rooms
}

// postProperties calls the API directly through the browser context's
// request facility, so cookies and TLS fingerprint match page traffic.
func (c *Client) postProperties(params models.SearchParams, token string) (map[string]any, error) {
	payload := params.Payload()
	payload["accountToken"] = token

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	response, err := c.context.Request().Post(PropertiesURL, playwright.APIRequestContextPostOptions{
		Data: string(data),
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"Referer":      ResultsPageURL,
		},
		Timeout: playwright.Float(gotoTimeoutMS),
	})
	if err != nil {
		return nil, err
	}

	status := response.Status()
	if status == 401 || status == 403 {
		return nil, &unauthorizedError{Status: status}
	}
	body, err := response.Body()
	if err != nil {
		return nil, fmt.Errorf("read properties response body: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &BackendUnavailableError{Status: status, Body: excerpt(string(body))}
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode properties response: %w", err)
	}
	return parsed, nil
}

// ensureAccountToken returns the cached customer token, fetching a new
// one from the auth/session endpoint when missing or forced.
func (c *Client) ensureAccountToken(force bool) (string, error) {
	if !force {
		if cached, ok := c.tokens.Get(tokenCacheKey); ok {
			return cached.(string), nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= tokenFetchAttempts; attempt++ {
		token, err := c.fetchAccountToken()
		if err == nil && token != "" {
			c.tokens.Set(tokenCacheKey, token, tokenTTL)
			return token, nil
		}
		if err != nil {
			lastErr = err
		}
		if fallback := c.observedToken(); fallback != "" {
			c.tokens.Set(tokenCacheKey, fallback, tokenTTL)
			return fallback, nil
		}
		time.Sleep(time.Second)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("auth session returned no customer id")
	}
	return "", fmt.Errorf("account token unavailable after %d attempts: %w", tokenFetchAttempts, lastErr)
}

func (c *Client) fetchAccountToken() (string, error) {
	cookieHeader, err := c.cookieHeader()
	if err != nil {
		return "", err
	}

	response, err := c.context.Request().Get(AuthSessionURL, playwright.APIRequestContextGetOptions{
		Headers: map[string]string{
			"Cookie":        cookieHeader,
			"Accept":        "application/json",
			"Referer":       BookRootURL,
			"Pragma":        "no-cache",
			"Cache-Control": "no-cache",
		},
	})
	if err != nil {
		return "", err
	}
	if status := response.Status(); status < 200 || status >= 300 {
		return "", fmt.Errorf("auth session returned HTTP %d", status)
	}

	body, err := response.Body()
	if err != nil {
		return "", err
	}
	var session map[string]any
	if err := json.Unmarshal(body, &session); err != nil {
		return "", fmt.Errorf("decode auth session: %w", err)
	}
	if id, ok := session["clientCustomerId"].(string); ok && id != "" {
		return id, nil
	}
	if user, ok := session["user"].(map[string]any); ok {
		if id, ok := user["clientCustomerId"].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("auth session response missing clientCustomerId")
}

func (c *Client) cookieHeader() (string, error) {
	cookies, err := c.context.Cookies(BookRootURL)
	if err != nil {
		return "", fmt.Errorf("read context cookies: %w", err)
	}
	parts := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(parts, "; "), nil
}

// refreshTravelSession reloads the booking root so the site reissues
// session cookies for subsequent API calls.
func (c *Client) refreshTravelSession() error {
	page, err := c.ensurePage()
	if err != nil {
		return err
	}
	if _, err := page.Goto(BookRootURL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(gotoTimeoutMS),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return err
	}
	page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(responseWaitMS),
	})
	return nil
}

// ensurePage lazily opens the working page and watches auth/session
// responses so a page-initiated login can supply the token fallback.
func (c *Client) ensurePage() (playwright.Page, error) {
	if c.page != nil && !c.page.IsClosed() {
		return c.page, nil
	}

	page, err := c.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("open search page: %w", err)
	}
	page.OnResponse(func(response playwright.Response) {
		if !strings.HasPrefix(response.URL(), AuthSessionURL) || response.Status() != 200 {
			return
		}
		body, err := response.Body()
		if err != nil {
			return
		}
		var session map[string]any
		if json.Unmarshal(body, &session) != nil {
			return
		}
		if id, ok := session["clientCustomerId"].(string); ok && id != "" {
			c.mu.Lock()
			c.observedCustomerID = id
			c.mu.Unlock()
		}
	})
	c.page = page
	return page, nil
}

func (c *Client) observedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observedCustomerID
}

func isUnauthorized(err error) bool {
	var unauthorized *unauthorizedError
	return errors.As(err, &unauthorized)
}

func excerpt(body string) string {
	if len(body) > bodyExcerptLimit {
		return body[:bodyExcerptLimit]
	}
	return body
}

func extractHotels(payload map[string]any) []map[string]any {
	raw, ok := payload["hotels"].([]any)
	if !ok {
		return nil
	}
	hotels := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		if hotel, ok := entry.(map[string]any); ok {
			hotels = append(hotels, hotel)
		}
	}
	return hotels
}

func hasNextPage(payload map[string]any) bool {
	pageContext, ok := payload["context"].(map[string]any)
	if !ok {
		return false
	}
	pagination, ok := pageContext["pagination"].(map[string]any)
	if !ok {
		return false
	}
	hasNext, _ := pagination["hasNext"].(bool)
	return hasNext
}
