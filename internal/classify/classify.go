// Package classify maps a foreground (app, window title) pair to a
// category and a canonical display label, and recognizes the two kinds of
// call activity the window tracker follows: meetings running in a browser
// tab and dedicated call apps sitting in the foreground.
package classify

import (
	"fmt"
	"regexp"
	"strings"
)

// Uncategorized is the category for apps no rule matches.
const Uncategorized = "uncategorized"

// Result is the classification of one foreground window.
type Result struct {
	Category string
	Label    string
}

// Rule maps an app (matched case-insensitively) to a category and an
// optional canonical label. An empty Label keeps the reported app name.
type Rule struct {
	App      string `yaml:"app"`
	Category string `yaml:"category"`
	Label    string `yaml:"label,omitempty"`
}

// MeetingRule recognizes an in-progress meeting from a window title,
// typically a browser tab. Apps, when non-empty, restricts the rule to
// those apps.
type MeetingRule struct {
	Label string   `yaml:"label"`
	Title string   `yaml:"title"`
	Apps  []string `yaml:"apps,omitempty"`
}

// Config is the YAML shape of the classification rules.
type Config struct {
	Rules    []Rule        `yaml:"rules"`
	Meetings []MeetingRule `yaml:"meetings"`
	CallApps []string      `yaml:"call_apps"`
}

// DefaultConfig returns a small built-in rule set. The full category
// table lives in user configuration.
func DefaultConfig() Config {
	return Config{
		Rules: []Rule{
			{App: "code", Category: "development", Label: "VS Code"},
			{App: "Code", Category: "development", Label: "VS Code"},
			{App: "Terminal", Category: "development"},
			{App: "iTerm2", Category: "development"},
			{App: "gnome-terminal-server", Category: "development", Label: "Terminal"},
			{App: "Safari", Category: "browsing"},
			{App: "Google Chrome", Category: "browsing"},
			{App: "chrome", Category: "browsing", Label: "Google Chrome"},
			{App: "firefox", Category: "browsing", Label: "Firefox"},
			{App: "Slack", Category: "communication"},
			{App: "Mail", Category: "communication"},
			{App: "thunderbird", Category: "communication", Label: "Thunderbird"},
			{App: "zoom.us", Category: "meetings", Label: "Zoom"},
			{App: "zoom", Category: "meetings", Label: "Zoom"},
			{App: "Microsoft Teams", Category: "meetings"},
			{App: "FaceTime", Category: "meetings"},
		},
		Meetings: []MeetingRule{
			{Label: "Google Meet", Title: `^Meet - [a-z]{3}-[a-z]{4}-[a-z]{3}`},
			{Label: "Google Meet", Title: `(?i)\bgoogle meet\b`},
			{Label: "Zoom", Title: `(?i)zoom meeting`},
			{Label: "Microsoft Teams", Title: `(?i)\|\s*microsoft teams$`},
			{Label: "Jitsi", Title: `(?i)\bjitsi meet\b`},
		},
		CallApps: []string{"FaceTime", "zoom.us", "Webex"},
	}
}

type compiledMeeting struct {
	label string
	re    *regexp.Regexp
	apps  map[string]bool
}

// Classifier applies a [Config]. It is immutable after construction and
// safe for concurrent use.
type Classifier struct {
	rules    map[string]Rule
	meetings []compiledMeeting
	callApps map[string]string
}

// New compiles cfg. It fails on an invalid meeting title pattern.
func New(cfg Config) (*Classifier, error) {
	c := &Classifier{
		rules:    make(map[string]Rule, len(cfg.Rules)),
		callApps: make(map[string]string, len(cfg.CallApps)),
	}
	for _, r := range cfg.Rules {
		key := strings.ToLower(strings.TrimSpace(r.App))
		if key == "" {
			continue
		}
		// First rule for an app wins.
		if _, ok := c.rules[key]; !ok {
			c.rules[key] = r
		}
	}
	for i, m := range cfg.Meetings {
		re, err := regexp.Compile(m.Title)
		if err != nil {
			return nil, fmt.Errorf("meeting rule %d (%s): %w", i, m.Label, err)
		}
		cm := compiledMeeting{label: m.Label, re: re}
		if len(m.Apps) > 0 {
			cm.apps = make(map[string]bool, len(m.Apps))
			for _, a := range m.Apps {
				cm.apps[strings.ToLower(a)] = true
			}
		}
		c.meetings = append(c.meetings, cm)
	}
	for _, a := range cfg.CallApps {
		a = strings.TrimSpace(a)
		if a != "" {
			c.callApps[strings.ToLower(a)] = a
		}
	}
	return c, nil
}

// Classify resolves the category and canonical label for app.
func (c *Classifier) Classify(app, title string) Result {
	r, ok := c.rules[strings.ToLower(strings.TrimSpace(app))]
	if !ok {
		return Result{Category: Uncategorized, Label: app}
	}
	label := r.Label
	if label == "" {
		label = app
	}
	return Result{Category: r.Category, Label: label}
}

// Meeting reports the meeting label when title matches a meeting rule.
func (c *Classifier) Meeting(app, title string) (string, bool) {
	if title == "" {
		return "", false
	}
	lower := strings.ToLower(app)
	for _, m := range c.meetings {
		if m.apps != nil && !m.apps[lower] {
			continue
		}
		if m.re.MatchString(title) {
			return m.label, true
		}
	}
	return "", false
}

// CallApp reports the configured call-app name when app is one of the
// dedicated call apps.
func (c *Classifier) CallApp(app string) (string, bool) {
	name, ok := c.callApps[strings.ToLower(strings.TrimSpace(app))]
	return name, ok
}
