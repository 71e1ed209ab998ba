// Package browser owns the Chrome session for one run: launch, stealth
// page setup, the action primitives steps dispatch to, state capture and
// download tracking. One Session serves exactly one run and is closed
// exactly once.
package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"

	"github.com/metalagman/sonda/internal/detect"
	"github.com/metalagman/sonda/internal/errdefs"
	"github.com/metalagman/sonda/internal/resolve"
	"github.com/metalagman/sonda/internal/state"
)

// Config configures one browser session.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome. Empty means
	// launch a local one.
	RemoteURL string

	Headless bool

	// NavTimeout bounds navigation, OpTimeout everything else.
	NavTimeout time.Duration
	OpTimeout  time.Duration

	DownloadDir string
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
}

// Driver is the browser capability steps and assertions run against.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, set state.SelectorSet) (string, error)
	Type(ctx context.Context, set state.SelectorSet, text string) (string, error)
	Select(ctx context.Context, set state.SelectorSet, option string) (string, error)
	WaitFor(ctx context.Context, target string, timeout time.Duration) error
	Scroll(ctx context.Context, direction string, amount int) error
	Screenshot(ctx context.Context) ([]byte, error)
	Extract(ctx context.Context, set state.SelectorSet) (string, string, error)
	Capture(ctx context.Context, runID string) (*state.CompactState, error)

	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	BodyText(ctx context.Context) (string, error)
	TextVisible(ctx context.Context, text string) (bool, error)
	VisibleMatch(ctx context.Context, selector string) (bool, error)
	Clickables(ctx context.Context, container string) ([]detect.Candidate, error)
	ClickSelector(ctx context.Context, selector string) error
	FrameSources(ctx context.Context) ([]string, error)
	PressEscape(ctx context.Context) error

	DownloadDir() string
	Downloads() []DownloadEvent

	Close() error
}

// Session is the rod-backed Driver.
type Session struct {
	cfg      Config
	log      zerolog.Logger
	browser  *rod.Browser
	page     *rod.Page
	lnch     *launcher.Launcher
	resolver *resolve.Resolver

	downloads *downloadLog
	closeOnce sync.Once
	closeErr  error
}

var _ Driver = (*Session)(nil)

// Open launches (or connects to) Chrome and prepares one stealth page.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Session, error) {
	cfg.defaults()

	s := &Session{
		cfg:       cfg,
		log:       log,
		downloads: newDownloadLog(),
	}

	var wsURL string
	if cfg.RemoteURL != "" {
		wsURL = cfg.RemoteURL
		log.Info().Str("url", wsURL).Msg("connecting to remote browser")
	} else {
		l := launcher.New().
			Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		s.lnch = l
		wsURL = u
		log.Info().Bool("headless", cfg.Headless).Msg("launched local browser")
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	s.browser = b

	page, err := stealth.Page(b)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("create stealth page: %w", err)
	}
	s.page = page
	s.resolver = resolve.New(s)

	if err := s.enableDownloads(); err != nil {
		log.Warn().Err(err).Msg("download tracking unavailable")
	}

	return s, nil
}

// Close shuts the session down. Safe to call from every exit path; the
// browser is torn down once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
		s.log.Debug().Msg("browser session closed")
	})
	return s.closeErr
}

func (s *Session) cleanup() error {
	var errs []error
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			errs = append(errs, err)
		}
		s.page = nil
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return errors.Join(errs...)
}

func (s *Session) DownloadDir() string { return s.cfg.DownloadDir }

// Navigate loads url and waits for the load event. A slow load after a
// successful navigation is logged, not fatal.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()

	if err := s.page.Context(navCtx).Navigate(url); err != nil {
		return errdefs.NavigationFailed(url, err)
	}
	if err := s.page.Context(navCtx).WaitLoad(); err != nil {
		s.log.Warn().Err(err).Str("url", url).Msg("load wait expired")
	}
	return nil
}

// Match implements resolve.Prober: does locator hit a live element.
func (s *Session) Match(ctx context.Context, locator string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	el, err := s.page.Context(opCtx).Sleeper(rod.NotFoundSleeper).Element(locator)
	if err != nil {
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, opErr("probe", opCtx, err)
	}
	visible, err := el.Visible()
	if err != nil {
		return false, nil
	}
	return visible, nil
}

func (s *Session) Click(ctx context.Context, set state.SelectorSet) (string, error) {
	sel, el, err := s.resolveElement(ctx, set)
	if err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	el = el.Context(opCtx)
	if err := el.ScrollIntoView(); err != nil {
		s.log.Debug().Err(err).Str("selector", sel).Msg("scroll into view failed")
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return "", opErr("click "+sel, opCtx, err)
	}
	return sel, nil
}

func (s *Session) Type(ctx context.Context, set state.SelectorSet, text string) (string, error) {
	sel, el, err := s.resolveElement(ctx, set)
	if err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	el = el.Context(opCtx)
	if err := el.Focus(); err != nil {
		return "", opErr("focus "+sel, opCtx, err)
	}
	// Replace, not append.
	if err := el.SelectAllText(); err != nil {
		s.log.Debug().Err(err).Str("selector", sel).Msg("select all failed")
	}
	if err := el.Input(text); err != nil {
		return "", opErr("type into "+sel, opCtx, err)
	}
	return sel, nil
}

func (s *Session) Select(ctx context.Context, set state.SelectorSet, option string) (string, error) {
	sel, el, err := s.resolveElement(ctx, set)
	if err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := el.Context(opCtx).Select([]string{option}, true, rod.SelectorTypeText); err != nil {
		return "", opErr("select "+option+" in "+sel, opCtx, err)
	}
	return sel, nil
}

// WaitFor blocks on "load", "networkIdle", a "download:<pattern>" event
// or a CSS selector appearing.
func (s *Session) WaitFor(ctx context.Context, target string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.OpTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch {
	case target == "load":
		if err := s.page.Context(opCtx).WaitLoad(); err != nil {
			return opErr("wait load", opCtx, err)
		}
	case target == "networkIdle":
		if err := s.page.Context(opCtx).WaitIdle(timeout); err != nil {
			return opErr("wait network idle", opCtx, err)
		}
	case strings.HasPrefix(target, "download:"):
		pattern := strings.TrimPrefix(target, "download:")
		if err := s.downloads.Wait(opCtx, pattern); err != nil {
			return opErr("wait download "+pattern, opCtx, err)
		}
	default:
		if _, err := s.page.Context(opCtx).Element(target); err != nil {
			return opErr("wait for "+target, opCtx, err)
		}
	}
	return nil
}

func (s *Session) Scroll(ctx context.Context, direction string, amount int) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if amount <= 0 {
		amount = 600
	}
	dy := float64(amount)
	if direction == "up" {
		dy = -dy
	}
	if err := s.page.Context(opCtx).Mouse.Scroll(0, dy, 1); err != nil {
		return opErr("scroll "+direction, opCtx, err)
	}
	return nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	data, err := s.page.Context(opCtx).Screenshot(false, nil)
	if err != nil {
		return nil, opErr("screenshot", opCtx, err)
	}
	return data, nil
}

// Extract returns the element's rendered text.
func (s *Session) Extract(ctx context.Context, set state.SelectorSet) (string, string, error) {
	sel, el, err := s.resolveElement(ctx, set)
	if err != nil {
		return "", "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	text, err := el.Context(opCtx).Text()
	if err != nil {
		return "", "", opErr("extract "+sel, opCtx, err)
	}
	return strings.TrimSpace(text), sel, nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (s *Session) Title(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.Title, nil
}

func (s *Session) BodyText(ctx context.Context) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	res, err := s.page.Context(opCtx).Eval(`() => document.body ? document.body.innerText : ''`)
	if err != nil {
		return "", opErr("body text", opCtx, err)
	}
	return res.Value.Str(), nil
}

// TextVisible probes for a visible element containing text.
func (s *Session) TextVisible(ctx context.Context, text string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	el, err := s.page.Context(opCtx).Sleeper(rod.NotFoundSleeper).
		ElementR("*", "/"+regexp.QuoteMeta(text)+"/i")
	if err != nil {
		var notFound *rod.ElementNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, opErr("text probe", opCtx, err)
	}
	visible, err := el.Visible()
	if err != nil {
		return false, nil
	}
	return visible, nil
}

func (s *Session) VisibleMatch(ctx context.Context, selector string) (bool, error) {
	return s.Match(ctx, selector)
}

// ClickSelector clicks the first element matching selector. Used by the
// obstacle detectors, which work with single selectors rather than
// selector sets.
func (s *Session) ClickSelector(ctx context.Context, selector string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	el, err := s.page.Context(opCtx).Sleeper(rod.NotFoundSleeper).Element(selector)
	if err != nil {
		return opErr("click "+selector, opCtx, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return opErr("click "+selector, opCtx, err)
	}
	return nil
}

func (s *Session) PressEscape(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := s.page.Context(opCtx).Keyboard.Press(input.Escape); err != nil {
		return opErr("press escape", opCtx, err)
	}
	return nil
}

func (s *Session) resolveElement(ctx context.Context, set state.SelectorSet) (string, *rod.Element, error) {
	sel, err := s.resolver.Resolve(ctx, set)
	if err != nil {
		return "", nil, err
	}
	el, err := s.page.Context(ctx).Sleeper(rod.NotFoundSleeper).Element(sel)
	if err != nil {
		// Resolved a moment ago; the DOM moved underneath us.
		return "", nil, errdefs.ElementMissing("element vanished after resolution: "+sel, set.All())
	}
	return sel, el, nil
}

// opErr converts a deadline expiry into a Timeout error and wraps
// everything else with the operation name.
func opErr(op string, ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errdefs.Timeout(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
