package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
)

// Matcher is one strategy for locating a page element. Strategies are tried
// in order; the first whose selector matches wins.
type Matcher struct {
	Name     string
	Selector string
}

const matcherPollInterval = 250 * time.Millisecond

// FindFirst polls the matchers in order until one matches or the context
// expires. It returns the winning matcher and whether anything matched.
func FindFirst(ctx context.Context, page Page, matchers []Matcher) (Matcher, bool, error) {
	for {
		for _, m := range matchers {
			found, err := page.Exists(ctx, m.Selector)
			if err != nil {
				// A probe error on an expired context means "not found in
				// time", not a hard failure.
				select {
				case <-ctx.Done():
					return Matcher{}, false, nil
				default:
				}
				return Matcher{}, false, fmt.Errorf("probe selector %s: %w", m.Name, err)
			}
			if found {
				return m, true, nil
			}
		}
		select {
		case <-ctx.Done():
			return Matcher{}, false, nil
		case <-time.After(matcherPollInterval):
		}
	}
}

// UsernameMatchers returns the ordered strategies for the username field:
// the configured selector when present, then the heuristic fallbacks.
func UsernameMatchers(cfg *core.TrackerConfig) []Matcher {
	var matchers []Matcher
	if cfg.SelectorUsername != nil && *cfg.SelectorUsername != "" {
		matchers = append(matchers, Matcher{Name: "configured", Selector: *cfg.SelectorUsername})
	}
	return append(matchers,
		Matcher{Name: "name=username", Selector: `input[name="username"]`},
		Matcher{Name: "id=username", Selector: `input#username`},
		Matcher{Name: "type=email", Selector: `input[type="email"]`},
		Matcher{Name: "type=text", Selector: `input[type="text"]`},
	)
}

// PasswordMatchers returns the strategies for the password field.
func PasswordMatchers(cfg *core.TrackerConfig) []Matcher {
	var matchers []Matcher
	if cfg.SelectorPassword != nil && *cfg.SelectorPassword != "" {
		matchers = append(matchers, Matcher{Name: "configured", Selector: *cfg.SelectorPassword})
	}
	return append(matchers,
		Matcher{Name: "type=password", Selector: `input[type="password"]`},
	)
}

// SubmitMatchers returns the strategies for the login submit control.
func SubmitMatchers(cfg *core.TrackerConfig) []Matcher {
	var matchers []Matcher
	if cfg.SelectorLogin != nil && *cfg.SelectorLogin != "" {
		matchers = append(matchers, Matcher{Name: "configured", Selector: *cfg.SelectorLogin})
	}
	return append(matchers,
		Matcher{Name: "button[type=submit]", Selector: `button[type="submit"]`},
		Matcher{Name: "input[type=submit]", Selector: `input[type="submit"]`},
	)
}

// ActionMatchers returns the strategies for the clock-in/clock-out control:
// the configured selector when present, else a text match against the
// conventional button label across button, link and input elements.
func ActionMatchers(cfg *core.TrackerConfig, action core.Action) []Matcher {
	var matchers []Matcher
	if sel := cfg.ActionSelector(action); sel != nil && *sel != "" {
		matchers = append(matchers, Matcher{Name: "configured", Selector: *sel})
	}
	label := action.Label()
	return append(matchers,
		Matcher{Name: "button text", Selector: fmt.Sprintf(`//button[contains(normalize-space(.), %q)]`, label)},
		Matcher{Name: "link text", Selector: fmt.Sprintf(`//a[contains(normalize-space(.), %q)]`, label)},
		Matcher{Name: "input value", Selector: fmt.Sprintf(`//input[@value=%q]`, label)},
	)
}
