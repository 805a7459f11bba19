package types

import "time"

// Tab is a single browser tab as reported by the bridge extension.
type Tab struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	GroupID  int    `json:"groupId"` // -1 if ungrouped
	WindowID int    `json:"windowId"`
	Index    int    `json:"index"`
	Active   bool   `json:"active"`
	Status   string `json:"status"` // "loading" or "complete"
}

// Grouped reports whether the tab already belongs to a native group.
func (t *Tab) Grouped() bool {
	return t.GroupID > 0
}

// TabGroup is a native browser tab group.
type TabGroup struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	Color     string `json:"color"`
	Collapsed bool   `json:"collapsed"`
	WindowID  int    `json:"windowId"`
}

// PageContent is the extracted content of a page, produced once per
// classification attempt.
type PageContent struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content"`
	Keywords    []string `json:"keywords,omitempty"`
}

// ClassificationResult is the model's verdict for a single page.
// Category is always one of the configured category names.
type ClassificationResult struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// GroupCategory is a user-configured topical label. Name doubles as the
// group title; Color must be one of the native group palette names.
type GroupCategory struct {
	Name        string   `json:"name"`
	Color       string   `json:"color"`
	Keywords    []string `json:"keywords,omitempty"`
	URLPatterns []string `json:"urlPatterns,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

// AIConfig configures the completion endpoint.
type AIConfig struct {
	APIURL      string  `json:"apiUrl"`
	APIKey      string  `json:"apiKey,omitempty"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

// Settings is the persisted settings object. Missing fields are merged
// with DefaultSettings on load.
type Settings struct {
	Enabled          bool            `json:"enabled"`
	APIConfig        AIConfig        `json:"apiConfig"`
	Categories       []GroupCategory `json:"categories"`
	ExcludedURLs     []string        `json:"excludedUrls"`
	AutoGroupNewTabs bool            `json:"autoGroupNewTabs"`
	GroupingDelayMS  int             `json:"groupingDelay"`
}

// ProcessingStatus is the pipeline status tuple, pushed on every state
// transition and answered to pull queries.
type ProcessingStatus struct {
	Active        bool  `json:"active"`
	Count         int   `json:"count"`
	ProcessingIDs []int `json:"processingIds"`
	PendingIDs    []int `json:"pendingIds"`
}

// ClassifiedTab is one line of the classification history.
type ClassifiedTab struct {
	URL          string
	Title        string
	Category     string
	Confidence   float64
	ClassifiedAt time.Time
}

// DefaultCategories is the fallback category set. The classifier must
// never operate against an empty list; the last entry (その他) is the
// catch-all bucket for unknown category names.
var DefaultCategories = []GroupCategory{
	{Name: "仕事・プロジェクト", Color: "blue"},
	{Name: "学習・ドキュメント", Color: "green"},
	{Name: "エンターテイメント", Color: "red"},
	{Name: "ショッピング", Color: "yellow"},
	{Name: "ニュース・メディア", Color: "cyan"},
	{Name: "SNS・コミュニケーション", Color: "purple"},
	{Name: "開発・技術", Color: "grey"},
	{Name: "その他", Color: "orange"},
}

// DefaultSettings returns a fresh copy of the default settings object.
func DefaultSettings() Settings {
	return Settings{
		Enabled: true,
		APIConfig: AIConfig{
			APIURL:      "http://localhost:11434/v1",
			Model:       "llama3",
			MaxTokens:   1024,
			Temperature: 0.3,
		},
		Categories: append([]GroupCategory(nil), DefaultCategories...),
		ExcludedURLs: []string{
			"chrome://*",
			"chrome-extension://*",
			"moz-extension://*",
			"about:*",
			"file://*",
		},
		AutoGroupNewTabs: true,
		GroupingDelayMS:  2000,
	}
}

// Profile represents a Firefox profile on disk, used by offline scan mode.
type Profile struct {
	Name       string
	Path       string // absolute path to profile directory
	IsDefault  bool
	IsRelative bool
}

// SessionTab is a tab read from a Firefox session file (offline mode).
type SessionTab struct {
	URL          string
	Title        string
	GroupName    string // empty if ungrouped
	LastAccessed time.Time
}

// SessionData holds all tabs parsed from a Firefox session file.
type SessionData struct {
	Tabs     []SessionTab
	Profile  Profile
	ParsedAt time.Time
}
