package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dannyspk/airbnb-alerts-sub000/internal/domain"
)

// Command runs provider scripts that take two arguments: a JSON input file
// and a path to write JSON output to. A failing script writes
// {"error": "...", "results": []} and exits non-zero.
type Command struct {
	searchArgv  []string
	listingArgv []string
	timeout     time.Duration
	proxyURL    string
	logger      *slog.Logger
}

func NewCommand(searchArgv, listingArgv []string, timeout time.Duration, proxyURL string, logger *slog.Logger) *Command {
	return &Command{
		searchArgv:  searchArgv,
		listingArgv: listingArgv,
		timeout:     timeout,
		proxyURL:    proxyURL,
		logger:      logger,
	}
}

type errorOutput struct {
	Error   string        `json:"error"`
	Results []wireListing `json:"results"`
}

func (c *Command) Search(ctx context.Context, p Params) ([]domain.Listing, error) {
	if p.ProxyURL == "" {
		p.ProxyURL = c.proxyURL
	}
	raw, runErr := c.run(ctx, c.searchArgv, p)
	raw = bytes.TrimSpace(raw)

	var items []wireListing
	switch {
	case len(raw) > 0 && raw[0] == '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode search output: %w", err)
		}
	case len(raw) > 0 && raw[0] == '{':
		var out errorOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode search output: %w", err)
		}
		if out.Error != "" {
			return nil, fmt.Errorf("provider: %s", out.Error)
		}
		items = out.Results
	case runErr == nil:
		return nil, errors.New("provider wrote no usable output")
	}
	if runErr != nil {
		return nil, runErr
	}

	listings := make([]domain.Listing, 0, len(items))
	for _, it := range items {
		listings = append(listings, it.toListing(p.Currency))
	}
	return listings, nil
}

type listingInput struct {
	ListingID string `json:"listing_id"`
	Currency  string `json:"currency"`
	ProxyURL  string `json:"proxy_url,omitempty"`
}

type listingOutput struct {
	wireListing
	Error     string `json:"error"`
	Available *bool  `json:"available"`
}

func (c *Command) Listing(ctx context.Context, id, currency string) (*domain.Listing, error) {
	raw, runErr := c.run(ctx, c.listingArgv, listingInput{
		ListingID: id,
		Currency:  currency,
		ProxyURL:  c.proxyURL,
	})
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		if runErr != nil {
			return nil, runErr
		}
		return nil, errors.New("provider wrote no output")
	}

	var out listingOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode listing output: %w", err)
	}
	if out.Error != "" {
		if gone(out.Error) {
			return nil, fmt.Errorf("%w: %s", ErrListingUnavailable, out.Error)
		}
		return nil, fmt.Errorf("provider: %s", out.Error)
	}
	if runErr != nil {
		return nil, runErr
	}
	if out.Available != nil && !*out.Available {
		return nil, ErrListingUnavailable
	}

	l := out.toListing(currency)
	if l.ID == "" {
		l.ID = id
	}
	return &l, nil
}

func gone(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"not found", "unavailable", "404", "no longer"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// run writes input to a temp file, runs argv with the input and output
// paths appended, and returns whatever the script wrote. The returned error
// is non-nil when the process failed or timed out; output may still be set.
func (c *Command) run(ctx context.Context, argv []string, input any) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("provider command not configured")
	}

	dir, err := os.MkdirTemp("", "alerts-search-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.json")
	out := filepath.Join(dir, "output.json")
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	if err := os.WriteFile(in, body, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string{}, argv[1:]...), in, out)
	cmd := exec.CommandContext(runCtx, argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	c.logger.Debug("provider call finished",
		"command", argv[0],
		"duration_ms", time.Since(start).Milliseconds(),
		"ok", runErr == nil,
	)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("provider timed out after %s", c.timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		runErr = fmt.Errorf("run %s: %w: %s", filepath.Base(argv[0]), runErr, tail(stderr.String(), 512))
	}

	raw, err := os.ReadFile(out)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return raw, runErr
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
