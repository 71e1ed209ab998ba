// Package detect implements best-effort page obstacle detection and
// dismissal: cookie consent banners, blocking modals, CAPTCHA challenges
// and second-factor prompts. Detectors never return errors; a candidate
// that fails to probe or click is skipped and the next one tried.
package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Candidate is a clickable element found inside a container.
type Candidate struct {
	Selector string
	Text     string
	Visible  bool
}

// Page is the minimal browser surface detectors operate on.
type Page interface {
	// Clickables lists buttons and links under container. An empty
	// container means the whole page.
	Clickables(ctx context.Context, container string) ([]Candidate, error)
	// VisibleMatch reports whether any visible element matches selector.
	VisibleMatch(ctx context.Context, selector string) (bool, error)
	// ClickSelector clicks the first element matching selector.
	ClickSelector(ctx context.Context, selector string) error
	PressEscape(ctx context.Context) error
	BodyText(ctx context.Context) (string, error)
	FrameSources(ctx context.Context) ([]string, error)
}

var cookieContainers = []string{
	"#onetrust-banner-sdk",
	"#cookie-banner",
	"#cookie-consent",
	"#cookie-notice",
	".cookie-banner",
	".cookie-consent",
	".cc-window",
	`[id*="cookie" i]`,
	`[class*="cookie" i]`,
	`[class*="consent" i]`,
	`[aria-label*="cookie" i]`,
}

// Ordered most to least specific. The page-wide fallback only uses the
// leading phrases to avoid clicking unrelated "OK" buttons.
var acceptPhrases = []string{
	"accept all cookies",
	"accept all",
	"allow all",
	"accept cookies",
	"allow cookies",
	"i agree",
	"accept",
	"agree",
	"got it",
	"ok",
}

const fallbackPhraseCount = 5

var modalClosers = []string{
	`[aria-label="Close" i]`,
	`[aria-label="Dismiss" i]`,
	`[data-dismiss="modal"]`,
	".modal-close",
	".close-button",
	"button.close",
	`[class*="modal" i] [class*="close" i]`,
}

var (
	captchaTermRe = regexp.MustCompile(`(?i)(captcha|i'?m not a robot|not a robot|human verification|verify you are human|unusual traffic)`)

	captchaFrameRe = regexp.MustCompile(`(?i)(recaptcha|hcaptcha|turnstile|challenges\.cloudflare\.com|arkoselabs|funcaptcha|geetest)`)

	twoFactorRe = regexp.MustCompile(`(?i)(verification code|two[- ]factor|2fa\b|one[- ]time (?:code|password|passcode)|authenticator app|security code|\botp\b)`)
)

// Detector runs the obstacle heuristics against one page.
type Detector struct {
	page Page
	log  zerolog.Logger
}

func New(page Page, log zerolog.Logger) *Detector {
	return &Detector{page: page, log: log}
}

// DismissCookieBanner looks for a consent banner and clicks its accept
// control. It reports whether a click was performed.
func (d *Detector) DismissCookieBanner(ctx context.Context) bool {
	for _, container := range cookieContainers {
		candidates, err := d.page.Clickables(ctx, container)
		if err != nil {
			continue
		}
		if sel, ok := pickByPhrase(candidates, acceptPhrases); ok {
			if err := d.page.ClickSelector(ctx, sel); err != nil {
				continue
			}
			d.log.Debug().Str("container", container).Str("selector", sel).Msg("cookie banner dismissed")
			return true
		}
	}

	// No recognized container; scan page-wide buttons for the strongest
	// accept phrases only.
	candidates, err := d.page.Clickables(ctx, "")
	if err != nil {
		return false
	}
	if sel, ok := pickByPhrase(candidates, acceptPhrases[:fallbackPhraseCount]); ok {
		if err := d.page.ClickSelector(ctx, sel); err != nil {
			return false
		}
		d.log.Debug().Str("selector", sel).Msg("cookie banner dismissed page-wide")
		return true
	}
	return false
}

// DismissModal presses Escape, then tries known close-button patterns.
// It reports whether a close control was clicked.
func (d *Detector) DismissModal(ctx context.Context) bool {
	if err := d.page.PressEscape(ctx); err != nil {
		d.log.Debug().Err(err).Msg("escape press failed")
	}
	for _, sel := range modalClosers {
		visible, err := d.page.VisibleMatch(ctx, sel)
		if err != nil || !visible {
			continue
		}
		if err := d.page.ClickSelector(ctx, sel); err != nil {
			continue
		}
		d.log.Debug().Str("selector", sel).Msg("modal dismissed")
		return true
	}
	return false
}

// CaptchaPresent reports whether the page shows a CAPTCHA challenge,
// either by body text or by a known provider iframe.
func (d *Detector) CaptchaPresent(ctx context.Context) bool {
	if text, err := d.page.BodyText(ctx); err == nil && captchaTermRe.MatchString(text) {
		return true
	}
	sources, err := d.page.FrameSources(ctx)
	if err != nil {
		return false
	}
	for _, src := range sources {
		if captchaFrameRe.MatchString(src) {
			return true
		}
	}
	return false
}

// TwoFAPresent reports whether the page appears to ask for a second
// authentication factor.
func (d *Detector) TwoFAPresent(ctx context.Context) bool {
	text, err := d.page.BodyText(ctx)
	if err != nil {
		return false
	}
	return twoFactorRe.MatchString(text)
}

func pickByPhrase(candidates []Candidate, phrases []string) (string, bool) {
	for _, phrase := range phrases {
		for _, c := range candidates {
			if !c.Visible {
				continue
			}
			if strings.Contains(strings.ToLower(strings.TrimSpace(c.Text)), phrase) {
				return c.Selector, true
			}
		}
	}
	return "", false
}
