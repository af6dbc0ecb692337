package notify

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const pushoverAPIURL = "https://api.pushover.net/1/messages.json"

// PushChannel posts a Pushover-shaped notification (user key, app token,
// priority). It uses go-retryablehttp configured for exactly one attempt:
// delivery is at-most-once and never retried, so only the transport's usual
// connection-reuse benefits are wanted here.
type PushChannel struct {
	UserKey  string
	AppToken string
	Priority int

	client *retryablehttp.Client
}

// NewPushChannel builds a PushChannel with a single-attempt HTTP client.
func NewPushChannel(userKey, appToken string, priority int) *PushChannel {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.HTTPClient.Timeout = 10 * time.Second

	return &PushChannel{
		UserKey:  userKey,
		AppToken: appToken,
		Priority: priority,
		client:   client,
	}
}

func (p *PushChannel) Name() string { return "push" }

// Send posts subject/body as a Pushover message. A non-2xx response is
// treated as a failed send.
func (p *PushChannel) Send(subject, body string) error {
	if p.UserKey == "" || p.AppToken == "" {
		return fmt.Errorf("notify: push channel not configured")
	}

	form := url.Values{
		"token":    {p.AppToken},
		"user":     {p.UserKey},
		"title":    {subject},
		"message":  {body},
		"priority": {strconv.Itoa(p.Priority)},
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, pushoverAPIURL, []byte(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: push responded with status %d", resp.StatusCode)
	}
	return nil
}
