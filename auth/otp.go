package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"hotel_sweeper/config"
	"hotel_sweeper/httputil"
)

// OtpResolver produces the one-time code requested during two-step
// verification.
type OtpResolver interface {
	ObtainCode(ctx context.Context) (string, error)
}

// TotpResolver computes RFC 6238 codes from a shared secret. 30-second
// steps, 6 digits, SHA-1 — the parameters every authenticator app uses.
type TotpResolver struct {
	Secret string
	now    func() time.Time
}

func NewTotpResolver(secret string) *TotpResolver {
	return &TotpResolver{Secret: secret, now: time.Now}
}

func (r *TotpResolver) ObtainCode(ctx context.Context) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(r.Secret, " ", ""))
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(normalized, "="))
	if err != nil {
		return "", fmt.Errorf("decode TOTP secret: %w", err)
	}

	counter := uint64(r.now().Unix() / 30)
	var message [8]byte
	binary.BigEndian.PutUint64(message[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(message[:])
	digest := mac.Sum(nil)

	offset := digest[len(digest)-1] & 0x0f
	code := binary.BigEndian.Uint32(digest[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000), nil
}

var verificationCodePattern = regexp.MustCompile(`\b(\d{6})\b`)

// MailResolver polls a mailbox API for the verification email and
// extracts the six-digit code from its subject or body.
type MailResolver struct {
	cfg     config.MailConfig
	clients *httputil.Clients

	PollInterval time.Duration
	MaxWait      time.Duration
}

func NewMailResolver(cfg config.MailConfig, clients *httputil.Clients) *MailResolver {
	return &MailResolver{
		cfg:          cfg,
		clients:      clients,
		PollInterval: 5 * time.Second,
		MaxWait:      2 * time.Minute,
	}
}

type mailMessage struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	Snippet    string `json:"snippet"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
}

func (r *MailResolver) ObtainCode(ctx context.Context) (string, error) {
	if r.cfg.APIURL == "" {
		return "", fmt.Errorf("mail API is not configured")
	}

	started := time.Now()
	deadline := started.Add(r.MaxWait)
	url := fmt.Sprintf("%s/accounts/%s/messages?limit=10", strings.TrimRight(r.cfg.APIURL, "/"), r.cfg.AccountID)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no verification email arrived within %s", r.MaxWait)
		}

		var listing struct {
			Messages []mailMessage `json:"messages"`
		}
		if err := httputil.GetJSON(ctx, r.clients.Mail, url, r.cfg.APIToken, &listing); err != nil {
			log.Printf("Mailbox poll failed: %v", err)
		} else {
			for _, message := range listing.Messages {
				if r.cfg.Sender != "" && !strings.EqualFold(message.From, r.cfg.Sender) {
					continue
				}
				if received, err := time.Parse(time.RFC3339, message.ReceivedAt); err == nil && received.Before(started.Add(-time.Minute)) {
					continue
				}
				for _, text := range []string{message.Subject, message.Snippet, message.Body} {
					if match := verificationCodePattern.FindStringSubmatch(text); match != nil {
						return match[1], nil
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}
}
