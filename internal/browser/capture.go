package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/metalagman/sonda/internal/detect"
	"github.com/metalagman/sonda/internal/state"
)

// snapshotScript walks the page inside the browser's main thread and
// returns every actionable element plus a bounded content summary in one
// evaluation. Extracting everything atomically avoids races against DOM
// mutations between round-trips.
const snapshotScript = `() => {
	const maxText = 80;
	const maxHeadings = 6;
	const maxNotices = 5;
	const maxFields = 8;

	function visible(el) {
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		return rect.width > 0 && rect.height > 0 &&
			style.display !== 'none' && style.visibility !== 'hidden' &&
			style.opacity !== '0';
	}

	function clip(text) {
		text = (text || '').replace(/\s+/g, ' ').trim();
		return text.length > maxText ? text.substring(0, maxText - 1) + '…' : text;
	}

	function roleOf(el) {
		const tag = el.tagName.toLowerCase();
		if (tag === 'select') return 'select';
		if (tag === 'textarea') return 'textarea';
		if (tag === 'a') return 'link';
		if (tag === 'button' || el.getAttribute('role') === 'button') return 'button';
		if (tag === 'input') {
			const type = (el.type || 'text').toLowerCase();
			if (type === 'checkbox') return 'checkbox';
			if (type === 'radio') return 'radio';
			if (type === 'submit' || type === 'button' || type === 'image') return 'button';
			return 'input';
		}
		return 'other';
	}

	function labelOf(el) {
		if (el.id) {
			const lbl = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
			if (lbl) return clip(lbl.innerText);
		}
		const wrap = el.closest('label');
		if (wrap) return clip(wrap.innerText);
		const aria = el.getAttribute('aria-label');
		if (aria) return clip(aria);
		if (el.placeholder) return clip(el.placeholder);
		return clip(el.innerText || el.value || '');
	}

	function labelTextOf(el) {
		if (el.id) {
			const lbl = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
			if (lbl) return clip(lbl.innerText);
		}
		const wrap = el.closest('label');
		return wrap ? clip(wrap.innerText) : '';
	}

	function positionalOf(el) {
		const tag = el.tagName.toLowerCase();
		const parent = el.parentElement;
		if (!parent) return tag;
		const siblings = Array.from(parent.children).filter(c => c.tagName === el.tagName);
		const idx = siblings.indexOf(el) + 1;
		const parentTag = parent.tagName.toLowerCase();
		const parentPart = parent.id ? parentTag + '#' + CSS.escape(parent.id) : parentTag;
		return parentPart + ' > ' + tag + ':nth-of-type(' + idx + ')';
	}

	const query = 'a[href], button, [role="button"], select, textarea, ' +
		'input:not([type="hidden"]), summary, [onclick]';
	const elements = [];
	document.querySelectorAll(query).forEach(el => {
		try {
			const vis = visible(el);
			if (!vis && elements.length > 150) return;
			elements.push({
				tag: el.tagName.toLowerCase(),
				role: roleOf(el),
				label: labelOf(el),
				testId: el.getAttribute('data-testid') || el.getAttribute('data-test-id') || '',
				name: el.getAttribute('name') || '',
				ariaLabel: el.getAttribute('aria-label') || '',
				labelText: labelTextOf(el),
				id: el.id || '',
				positional: positionalOf(el),
				disabled: !!el.disabled,
				visible: vis,
				valuePresent: !!(el.value && String(el.value).length > 0),
				text: clip(el.innerText || ''),
				href: el.tagName === 'A' ? (el.getAttribute('href') || '') : ''
			});
		} catch (e) { /* skip the element, keep the snapshot */ }
	});

	const headings = [];
	document.querySelectorAll('h1, h2, h3').forEach(h => {
		if (headings.length < maxHeadings && visible(h)) headings.push(clip(h.innerText));
	});

	const forms = [];
	document.querySelectorAll('form').forEach(f => {
		const fields = [];
		f.querySelectorAll('input:not([type="hidden"]), select, textarea').forEach(el => {
			if (fields.length < maxFields) fields.push(labelOf(el) || el.name || el.type);
		});
		forms.push({
			name: f.getAttribute('name') || f.id || '',
			action: f.getAttribute('action') || '',
			fields: fields
		});
	});

	const notices = [];
	document.querySelectorAll('[role="alert"], .error, .alert, .notice, .flash').forEach(n => {
		const text = clip(n.innerText);
		if (text && notices.length < maxNotices && visible(n)) notices.push(text);
	});

	return {
		url: location.href,
		title: document.title,
		elements: elements,
		headings: headings,
		forms: forms,
		notices: notices
	};
}`

type rawSnapshotElement struct {
	Tag          string `json:"tag"`
	Role         string `json:"role"`
	Label        string `json:"label"`
	TestID       string `json:"testId"`
	Name         string `json:"name"`
	AriaLabel    string `json:"ariaLabel"`
	LabelText    string `json:"labelText"`
	ID           string `json:"id"`
	Positional   string `json:"positional"`
	Disabled     bool   `json:"disabled"`
	Visible      bool   `json:"visible"`
	ValuePresent bool   `json:"valuePresent"`
	Text         string `json:"text"`
	Href         string `json:"href"`
}

type rawSnapshot struct {
	URL      string               `json:"url"`
	Title    string               `json:"title"`
	Elements []rawSnapshotElement `json:"elements"`
	Headings []string             `json:"headings"`
	Forms    []state.FormSummary  `json:"forms"`
	Notices  []string             `json:"notices"`
}

// Capture takes one compact snapshot of the page. Refs are assigned in
// document order and are only valid within this snapshot.
func (s *Session) Capture(ctx context.Context, runID string) (*state.CompactState, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	res, err := s.page.Context(opCtx).Eval(snapshotScript)
	if err != nil {
		return nil, opErr("capture snapshot", opCtx, err)
	}

	data, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode snapshot result: %w", err)
	}
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode snapshot result: %w", err)
	}

	snap := &state.CompactState{
		Meta: state.Meta{
			RunID:     runID,
			Timestamp: time.Now().UTC(),
			URL:       raw.URL,
			Title:     raw.Title,
		},
		PageSummary: state.PageSummary{
			Headings: raw.Headings,
			Forms:    raw.Forms,
			Notices:  raw.Notices,
		},
	}

	for i, el := range raw.Elements {
		snap.Interactive = append(snap.Interactive, state.InteractiveElement{
			Ref:   "e" + strconv.Itoa(i+1),
			Role:  mapRole(el.Role),
			Label: el.Label,
			Selectors: state.BuildSelectorSet(state.RawElement{
				Tag:        el.Tag,
				TestID:     el.TestID,
				Name:       el.Name,
				AriaLabel:  el.AriaLabel,
				LabelText:  el.LabelText,
				ID:         el.ID,
				Positional: el.Positional,
			}),
			Disabled:     el.Disabled,
			Visible:      el.Visible,
			ValuePresent: el.ValuePresent,
			Text:         el.Text,
			Href:         el.Href,
		})
	}

	s.log.Debug().
		Str("url", raw.URL).
		Int("elements", len(snap.Interactive)).
		Msg("snapshot captured")
	return snap, nil
}

func mapRole(raw string) state.Role {
	switch state.Role(raw) {
	case state.RoleInput, state.RoleButton, state.RoleLink, state.RoleSelect,
		state.RoleTextarea, state.RoleCheckbox, state.RoleRadio:
		return state.Role(raw)
	default:
		return state.RoleOther
	}
}

// pickScript lists clickable controls under a container for the obstacle
// detectors, tagging each hit so it can be clicked by attribute.
// Clickables implements detect.Page.
func (s *Session) Clickables(ctx context.Context, container string) ([]detect.Candidate, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	res, err := s.page.Context(opCtx).Eval(pickScript, container)
	if err != nil {
		return nil, opErr("list clickables", opCtx, err)
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode clickables: %w", err)
	}
	var out []detect.Candidate
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode clickables: %w", err)
	}
	return out, nil
}

// FrameSources lists iframe src values for CAPTCHA provider detection.
func (s *Session) FrameSources(ctx context.Context) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	res, err := s.page.Context(opCtx).Eval(
		`() => Array.from(document.querySelectorAll('iframe')).map(f => f.src || '')`)
	if err != nil {
		return nil, opErr("list frames", opCtx, err)
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode frame list: %w", err)
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode frame list: %w", err)
	}
	return out, nil
}

const pickScript = `(container) => {
	const out = [];
	let root = document;
	if (container) {
		root = document.querySelector(container);
		if (!root) return out;
	}
	const query = 'button, a, [role="button"], input[type="submit"], input[type="button"]';
	root.querySelectorAll(query).forEach((el, i) => {
		try {
			const rect = el.getBoundingClientRect();
			const style = window.getComputedStyle(el);
			const vis = rect.width > 0 && rect.height > 0 &&
				style.display !== 'none' && style.visibility !== 'hidden';
			const mark = 'p' + i + '-' + Math.random().toString(36).substring(2, 8);
			el.setAttribute('data-sonda-pick', mark);
			out.push({
				selector: '[data-sonda-pick="' + mark + '"]',
				text: (el.innerText || el.value || '').trim(),
				visible: vis
			});
		} catch (e) { /* skip */ }
	});
	return out;
}`
