// browser.go provides browser automation utilities for E2E testing.
// It wraps Rod to provide WebRTC-ready Chrome instances.
package testutil

import (
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/pkg/errors"
)

// BrowserConfig configures Chrome launch options.
type BrowserConfig struct {
	Headless bool          // Run in headless mode (default: true)
	Timeout  time.Duration // Default operation timeout (default: 30s)
}

// DefaultBrowserConfig returns sensible defaults for E2E testing.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless: true,
		Timeout:  30 * time.Second,
	}
}

// LaunchMarker is a command line flag only browsers started by
// NewBrowserClient carry, so leftovers can be told apart from a
// developer's own Chrome.
const LaunchMarker = "use-fake-device-for-media-stream"

// BrowserClient wraps Rod with WebRTC-ready Chrome configuration.
type BrowserClient struct {
	browser *rod.Browser
	page    *rod.Page
	timeout time.Duration
}

// NewBrowserClient creates a Chrome with fake media devices, auto-granted
// media permissions, no sandbox and autoplay without user gesture.
func NewBrowserClient(cfg BrowserConfig) (*BrowserClient, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		Set("no-sandbox").
		Set("disable-gpu").
		Set(LaunchMarker).
		Set("use-fake-ui-for-media-stream").
		Set("autoplay-policy", "no-user-gesture-required")

	url, err := l.Launch()
	if err != nil {
		return nil, errors.Wrap(err, "failed to launch Chrome")
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Chrome")
	}

	return &BrowserClient{
		browser: browser,
		timeout: cfg.Timeout,
	}, nil
}

// Navigate opens url and returns the page.
func (c *BrowserClient) Navigate(url string) (*rod.Page, error) {
	page := c.browser.MustPage()
	c.page = page

	if err := page.Timeout(c.timeout).Navigate(url); err != nil {
		return nil, errors.Wrapf(err, "failed to navigate to %s", url)
	}

	// Cancel timeout so Close() works
	page.CancelTimeout()
	return page, nil
}

// Page returns the current page, or nil if none open.
func (c *BrowserClient) Page() *rod.Page {
	return c.page
}

// Eval executes JavaScript and returns the result.
// Requires Navigate() to have been called first.
func (c *BrowserClient) Eval(js string) (interface{}, error) {
	if c.page == nil {
		return nil, errors.New("no page open, call Navigate first")
	}
	result, err := c.page.Eval(js)
	if err != nil {
		return nil, errors.Wrap(err, "eval failed")
	}
	return result.Value, nil
}

// OutgoingBitrate reads the bitrate Chrome's congestion controller allows
// on the sending peer connection. It reflects the REMB Chrome received.
// The page must define getOutgoingBitrate().
func (c *BrowserClient) OutgoingBitrate() (float64, error) {
	if c.page == nil {
		return 0, errors.New("no page open, call Navigate first")
	}
	result, err := c.page.Eval(`() => window.getOutgoingBitrate()`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read outgoing bitrate")
	}
	return result.Value.Num(), nil
}

// WaitStable waits for the page to be stable (no DOM changes).
func (c *BrowserClient) WaitStable() error {
	if c.page == nil {
		return errors.New("no page open")
	}
	return c.page.WaitStable(c.timeout)
}

// Close cleans up browser resources.
// Always call this (via defer) to prevent orphaned Chrome processes.
func (c *BrowserClient) Close() error {
	if c.browser != nil {
		return c.browser.Close()
	}
	return nil
}
