// Package pipeline orchestrates tab classification: it tracks pending
// and in-flight tab IDs, deduplicates work, runs extraction and
// classification, and drives group placement.
package pipeline

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/semaphore"

	"github.com/moezakura/ai-tab-sorter/internal/browser"
	"github.com/moezakura/ai-tab-sorter/internal/classify"
	"github.com/moezakura/ai-tab-sorter/internal/groups"
	"github.com/moezakura/ai-tab-sorter/internal/storage"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// cacheEntry is the trimmed per-tab record kept between classifications.
type cacheEntry struct {
	url            string
	title          string
	category       string
	lastClassified time.Time
}

// Manager owns the pending/in-flight sets and the tab cache exclusively.
// A tab ID is in at most one of the two sets at any time; enqueuing an
// ID already tracked is a no-op.
type Manager struct {
	classifier *classify.Classifier
	registry   *groups.Registry
	host       browser.Host
	store      *storage.Store
	sem        *semaphore.Weighted

	mu        sync.Mutex
	pending   map[int]struct{}
	inFlight  map[int]struct{}
	cache     map[int]cacheEntry
	settings  types.Settings
	excluded  []glob.Glob
	listeners []func(types.ProcessingStatus)
	timers    map[int]*time.Timer // groupingDelay timers per new tab
}

// New creates a Manager. maxConcurrent bounds the number of tabs
// processed simultaneously; the rate limiter inside the classifier
// smooths the outbound request rate on top of that.
func New(classifier *classify.Classifier, registry *groups.Registry, host browser.Host, store *storage.Store, settings types.Settings, maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	m := &Manager{
		classifier: classifier,
		registry:   registry,
		host:       host,
		store:      store,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		pending:    make(map[int]struct{}),
		inFlight:   make(map[int]struct{}),
		cache:      make(map[int]cacheEntry),
		timers:     make(map[int]*time.Timer),
	}
	m.applySettings(settings)
	return m
}

// UpdateSettings applies a new settings object to subsequent processing.
func (m *Manager) UpdateSettings(settings types.Settings) {
	m.mu.Lock()
	m.applySettings(settings)
	m.mu.Unlock()
	m.classifier.UpdateConfig(settings.APIConfig)
	m.classifier.UpdateCategories(settings.Categories)
}

// applySettings must run under m.mu (or before the manager is shared).
func (m *Manager) applySettings(settings types.Settings) {
	m.settings = settings
	// Build a fresh slice: IsExcluded iterates its copy of the slice
	// header outside the lock, so the old backing array must stay
	// untouched.
	excluded := make([]glob.Glob, 0, len(settings.ExcludedURLs))
	for _, pattern := range settings.ExcludedURLs {
		g, err := glob.Compile(pattern)
		if err != nil {
			slog.Warn("invalid excluded-url pattern skipped", "pattern", pattern, "error", err)
			continue
		}
		excluded = append(excluded, g)
	}
	m.excluded = excluded
}

// AddListener registers an observer for status pushes. Not safe to call
// once processing has started.
func (m *Manager) AddListener(fn func(types.ProcessingStatus)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Status answers the pull-style status query.
func (m *Manager) Status() types.ProcessingStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() types.ProcessingStatus {
	return types.ProcessingStatus{
		Active:        len(m.pending)+len(m.inFlight) > 0,
		Count:         len(m.pending) + len(m.inFlight),
		ProcessingIDs: sortedKeys(m.inFlight),
		PendingIDs:    sortedKeys(m.pending),
	}
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// broadcast pushes the current status tuple to all listeners. Listeners
// run outside the lock.
func (m *Manager) broadcast() {
	m.mu.Lock()
	status := m.statusLocked()
	listeners := make([]func(types.ProcessingStatus), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(status)
	}
}

// Enqueue registers a tab for classification and starts processing it
// asynchronously. Returns immediately; enqueuing a tab already pending
// or in-flight is a no-op.
func (m *Manager) Enqueue(ctx context.Context, tabID int) {
	m.mu.Lock()
	if _, ok := m.pending[tabID]; ok {
		m.mu.Unlock()
		return
	}
	if _, ok := m.inFlight[tabID]; ok {
		m.mu.Unlock()
		return
	}
	m.pending[tabID] = struct{}{}
	m.mu.Unlock()
	m.broadcast()

	go func() {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.mu.Lock()
			delete(m.pending, tabID)
			m.mu.Unlock()
			m.broadcast()
			return
		}
		defer m.sem.Release(1)
		m.ClassifyTab(ctx, tabID)
	}()
}

// ClassifyTab runs the full pipeline for one tab. Whatever happens, the
// tab leaves the in-flight set and a status rebroadcast follows.
func (m *Manager) ClassifyTab(ctx context.Context, tabID int) {
	m.mu.Lock()
	if _, ok := m.inFlight[tabID]; ok {
		m.mu.Unlock()
		slog.Debug("tab already in flight", "tab", tabID)
		return
	}
	delete(m.pending, tabID)
	m.inFlight[tabID] = struct{}{}
	m.mu.Unlock()
	m.broadcast()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("classification panicked", "tab", tabID, "panic", r)
		}
		m.mu.Lock()
		delete(m.inFlight, tabID)
		m.mu.Unlock()
		m.broadcast()
	}()

	tab, err := m.host.GetTab(ctx, tabID)
	if err != nil {
		slog.Warn("tab lookup failed, skipping", "tab", tabID, "error", err)
		return
	}
	if m.IsExcluded(tab.URL) {
		return
	}
	if tab.Grouped() {
		slog.Debug("tab already grouped", "tab", tabID)
		return
	}

	content := m.extractContent(ctx, tab)

	result := m.classifier.Classify(ctx, content)
	if result == nil {
		slog.Warn("classification skipped", "tab", tabID, "url", tab.URL)
		return
	}

	m.registry.PlaceTab(ctx, tabID, result.Category)

	if err := m.store.IncrementProcessedTotal(1); err != nil {
		slog.Warn("processed counter update failed", "error", err)
	}
	if err := m.store.AppendClassification(types.ClassifiedTab{
		URL:          tab.URL,
		Title:        tab.Title,
		Category:     result.Category,
		Confidence:   result.Confidence,
		ClassifiedAt: time.Now(),
	}); err != nil {
		slog.Warn("classification history write failed", "error", err)
	}

	m.mu.Lock()
	m.cache[tabID] = cacheEntry{
		url:            tab.URL,
		title:          tab.Title,
		category:       result.Category,
		lastClassified: time.Now(),
	}
	m.mu.Unlock()
}

// extractContent asks the in-page script for content, falling back to a
// minimal object built from the tab itself. Classification always gets
// something to work with, even degraded.
func (m *Manager) extractContent(ctx context.Context, tab types.Tab) types.PageContent {
	content, err := m.host.ExtractContent(ctx, tab.ID)
	if err == nil && content.URL != "" {
		return content
	}
	if err != nil {
		slog.Warn("content extraction failed, using tab fallback", "tab", tab.ID, "error", err)
	}
	return types.PageContent{
		URL:     tab.URL,
		Title:   tab.Title,
		Content: tab.Title,
	}
}

// ProcessExtractedContent classifies content pushed by the page itself
// (CONTENT_EXTRACTED), bypassing the extraction round-trip.
func (m *Manager) ProcessExtractedContent(ctx context.Context, tabID int, content types.PageContent) {
	if content.URL == "" || m.IsExcluded(content.URL) {
		return
	}
	result := m.classifier.Classify(ctx, content)
	if result == nil {
		return
	}
	m.registry.PlaceTab(ctx, tabID, result.Category)
	if err := m.store.IncrementProcessedTotal(1); err != nil {
		slog.Warn("processed counter update failed", "error", err)
	}
}

// HandleNewTab schedules a newly created tab for classification after
// the configured delay, giving the page time to load.
func (m *Manager) HandleNewTab(ctx context.Context, tab types.Tab) {
	m.mu.Lock()
	enabled := m.settings.Enabled && m.settings.AutoGroupNewTabs
	delay := time.Duration(m.settings.GroupingDelayMS) * time.Millisecond
	m.mu.Unlock()

	if !enabled || tab.ID == 0 || m.IsExcluded(tab.URL) {
		return
	}

	m.mu.Lock()
	if old, ok := m.timers[tab.ID]; ok {
		old.Stop()
	}
	m.timers[tab.ID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, tab.ID)
		m.mu.Unlock()
		m.Enqueue(ctx, tab.ID)
	})
	m.mu.Unlock()
}

// HandleTabUpdate reacts to a navigation completing. A same-domain
// navigation keeps the existing classification; a domain change
// invalidates the cache entry and re-enqueues the tab.
func (m *Manager) HandleTabUpdate(ctx context.Context, tab types.Tab) {
	m.mu.Lock()
	enabled := m.settings.Enabled && m.settings.AutoGroupNewTabs
	m.mu.Unlock()
	if !enabled || tab.ID == 0 || tab.URL == "" || m.IsExcluded(tab.URL) {
		return
	}

	m.mu.Lock()
	cached, ok := m.cache[tab.ID]
	if ok && sameDomain(cached.url, tab.URL) {
		m.mu.Unlock()
		return
	}
	m.cache[tab.ID] = cacheEntry{
		url:            tab.URL,
		title:          tab.Title,
		lastClassified: time.Now(),
	}
	m.mu.Unlock()

	m.Enqueue(ctx, tab.ID)
}

// HandleTabRemoval drops every trace of a closed tab.
func (m *Manager) HandleTabRemoval(tabID int) {
	m.mu.Lock()
	delete(m.cache, tabID)
	delete(m.pending, tabID)
	delete(m.inFlight, tabID)
	if t, ok := m.timers[tabID]; ok {
		t.Stop()
		delete(m.timers, tabID)
	}
	m.mu.Unlock()
	m.broadcast()
}

// InitializeExistingTabs enqueues every eligible open tab. No batching
// delay: the rate limiter alone smooths the outbound request load.
func (m *Manager) InitializeExistingTabs(ctx context.Context) {
	m.mu.Lock()
	enabled := m.settings.Enabled && m.settings.AutoGroupNewTabs
	m.mu.Unlock()
	if !enabled {
		return
	}

	tabs, err := m.host.QueryTabs(ctx)
	if err != nil {
		slog.Warn("initial tab query failed", "error", err)
		return
	}

	eligible := 0
	for _, tab := range tabs {
		if tab.URL == "" || m.IsExcluded(tab.URL) || tab.Grouped() {
			continue
		}
		m.Enqueue(ctx, tab.ID)
		eligible++
	}
	slog.Info("initial tabs enqueued", "eligible", eligible, "total", len(tabs))
}

// IsExcluded reports whether a URL matches any configured exclusion
// pattern (glob with * matching any substring).
func (m *Manager) IsExcluded(rawURL string) bool {
	m.mu.Lock()
	patterns := m.excluded
	m.mu.Unlock()
	for _, g := range patterns {
		if g.Match(rawURL) {
			return true
		}
	}
	return false
}

// CachedCategory returns the cached category for a tab, if any.
func (m *Manager) CachedCategory(tabID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[tabID]
	if !ok || entry.category == "" {
		return "", false
	}
	return entry.category, true
}

// sameDomain reports whether two URLs share a hostname. Same-domain
// navigations rarely change topic, so they skip reclassification.
func sameDomain(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() != "" && ua.Hostname() == ub.Hostname()
}
