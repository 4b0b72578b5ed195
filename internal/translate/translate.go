// Package translate provides the translation capability used by the
// transform pipeline. Provider failure is never fatal: the chain falls
// back through its providers in order, and Inline degrades a total
// failure to an error string in the message text.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 10 * time.Second

// Translator converts text into the configured target language.
type Translator interface {
	Name() string
	Translate(ctx context.Context, text string) (string, error)
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Chain tries each provider in order and returns the first success,
// labeled with the provider name.
type Chain struct {
	providers []Translator
	log       *slog.Logger
}

// NewChain builds the provider chain for the given configuration:
// DeepL when a key is configured, then Google as the retry provider.
func NewChain(client HTTPClient, deeplKey string, log *slog.Logger) *Chain {
	if client == nil {
		client = http.DefaultClient
	}
	var providers []Translator
	if deeplKey != "" {
		providers = append(providers, &DeepL{client: client, key: deeplKey})
	}
	providers = append(providers, &Google{client: client})
	return &Chain{providers: providers, log: log}
}

// Name implements Translator.
func (c *Chain) Name() string { return "chain" }

// Translate implements Translator over the provider chain.
func (c *Chain) Translate(ctx context.Context, text string) (string, error) {
	var lastErr error
	for _, p := range c.providers {
		out, err := p.Translate(ctx, text)
		if err == nil {
			return fmt.Sprintf("🌐 translation (%s):\n%s", p.Name(), out), nil
		}
		c.log.Warn("translation provider failed", "provider", p.Name(), "error", err)
		lastErr = err
	}
	return "", fmt.Errorf("all providers failed: %w", lastErr)
}

// Inline translates text for message assembly, degrading failure to an
// inline error string.
func Inline(ctx context.Context, t Translator, text string) string {
	out, err := t.Translate(ctx, text)
	if err != nil {
		return fmt.Sprintf("translation failed: %v", err)
	}
	return out
}

// DeepL is the DeepL free-API provider.
type DeepL struct {
	client HTTPClient
	key    string
}

// Name implements Translator.
func (d *DeepL) Name() string { return "DeepL" }

// Translate implements Translator.
func (d *DeepL) Translate(ctx context.Context, text string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	form := url.Values{"text": {text}, "target_lang": {"EN"}}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		"https://api-free.deepl.com/v2/translate", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "DeepL-Auth-Key "+d.key)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var out struct {
		Translations []struct {
			Text string `json:"text"`
		} `json:"translations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Translations) == 0 {
		return "", fmt.Errorf("empty translation")
	}
	return out.Translations[0].Text, nil
}

// Google is the keyless Google translation endpoint provider.
type Google struct {
	client HTTPClient
}

// Name implements Translator.
func (g *Google) Name() string { return "Google" }

// Translate implements Translator.
func (g *Google) Translate(ctx context.Context, text string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	q := url.Values{
		"client": {"gtx"},
		"sl":     {"auto"},
		"tl":     {"en"},
		"dt":     {"t"},
		"q":      {text},
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		"https://translate.googleapis.com/translate_a/single?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return parseGoogleResponse(body)
}

// parseGoogleResponse joins the translated segments of the endpoint's
// nested-array response.
func parseGoogleResponse(body []byte) (string, error) {
	var raw []any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("empty response")
	}
	segments, ok := raw[0].([]any)
	if !ok {
		return "", fmt.Errorf("unexpected response shape")
	}
	var b strings.Builder
	for _, seg := range segments {
		parts, ok := seg.([]any)
		if !ok || len(parts) == 0 {
			continue
		}
		if s, ok := parts[0].(string); ok {
			b.WriteString(s)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("empty translation")
	}
	return b.String(), nil
}
