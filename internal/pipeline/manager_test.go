package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moezakura/ai-tab-sorter/internal/aiclient"
	"github.com/moezakura/ai-tab-sorter/internal/browser"
	"github.com/moezakura/ai-tab-sorter/internal/classify"
	"github.com/moezakura/ai-tab-sorter/internal/groups"
	"github.com/moezakura/ai-tab-sorter/internal/ratelimit"
	"github.com/moezakura/ai-tab-sorter/internal/storage"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// fakeHost is an in-memory browser with just enough bookkeeping for
// pipeline tests.
type fakeHost struct {
	mu         sync.Mutex
	nextTabID  int
	nextGroup  int
	tabs       map[int]*types.Tab
	groups     map[int]*types.TabGroup
	extractErr error
	content    map[int]types.PageContent
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		nextTabID: 1000,
		nextGroup: 1,
		tabs:      make(map[int]*types.Tab),
		groups:    make(map[int]*types.TabGroup),
		content:   make(map[int]types.PageContent),
	}
}

func (f *fakeHost) addTab(id int, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tabs[id] = &types.Tab{ID: id, URL: url, Title: url, GroupID: -1, WindowID: 1, Status: "complete"}
}

func (f *fakeHost) groupOf(tabID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tabs[tabID]; ok {
		return t.GroupID
	}
	return -1
}

func (f *fakeHost) QueryTabs(ctx context.Context) ([]types.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Tab
	for _, t := range f.tabs {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeHost) GetTab(ctx context.Context, tabID int) (types.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tabs[tabID]
	if !ok {
		return types.Tab{}, fmt.Errorf("no tab %d", tabID)
	}
	return *t, nil
}

func (f *fakeHost) CreateTab(ctx context.Context, url string, windowID int, active bool) (types.Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTabID++
	t := &types.Tab{ID: f.nextTabID, URL: url, GroupID: -1, WindowID: windowID, Active: active}
	f.tabs[t.ID] = t
	return *t, nil
}

func (f *fakeHost) RemoveTab(ctx context.Context, tabID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tabs, tabID)
	return nil
}

func (f *fakeHost) GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if groupID == 0 {
		if len(tabIDs) == 0 {
			return 0, fmt.Errorf("cannot create group without tabs")
		}
		first, ok := f.tabs[tabIDs[0]]
		if !ok {
			return 0, fmt.Errorf("no tab %d", tabIDs[0])
		}
		f.nextGroup++
		groupID = f.nextGroup
		f.groups[groupID] = &types.TabGroup{ID: groupID, Color: "grey", WindowID: first.WindowID}
	}
	if _, ok := f.groups[groupID]; !ok {
		return 0, fmt.Errorf("no group %d", groupID)
	}
	for _, id := range tabIDs {
		t, ok := f.tabs[id]
		if !ok {
			return 0, fmt.Errorf("no tab %d", id)
		}
		t.GroupID = groupID
	}
	return groupID, nil
}

func (f *fakeHost) UngroupTabs(ctx context.Context, tabIDs []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range tabIDs {
		if t, ok := f.tabs[id]; ok {
			t.GroupID = -1
		}
	}
	return nil
}

func (f *fakeHost) QueryGroups(ctx context.Context) ([]types.TabGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.TabGroup
	for _, g := range f.groups {
		out = append(out, *g)
	}
	return out, nil
}

func (f *fakeHost) GetGroup(ctx context.Context, groupID int) (types.TabGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return types.TabGroup{}, fmt.Errorf("no group %d", groupID)
	}
	return *g, nil
}

func (f *fakeHost) UpdateGroup(ctx context.Context, groupID int, update browser.GroupUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return fmt.Errorf("no group %d", groupID)
	}
	if update.Title != nil {
		g.Title = *update.Title
	}
	if update.Color != nil {
		g.Color = *update.Color
	}
	if update.Collapsed != nil {
		g.Collapsed = *update.Collapsed
	}
	return nil
}

func (f *fakeHost) ExtractContent(ctx context.Context, tabID int) (types.PageContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extractErr != nil {
		return types.PageContent{}, f.extractErr
	}
	if c, ok := f.content[tabID]; ok {
		return c, nil
	}
	t, ok := f.tabs[tabID]
	if !ok {
		return types.PageContent{}, fmt.Errorf("no tab %d", tabID)
	}
	return types.PageContent{URL: t.URL, Title: t.Title, Content: t.Title}, nil
}

// classifyServer answers every completion request with the given
// category and counts the requests it saw.
func classifyServer(t *testing.T, category string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		content, _ := json.Marshal(fmt.Sprintf(`{"category":%q,"confidence":0.9}`, category))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%s}}]}`, content)
	}))
}

func newTestManager(t *testing.T, host *fakeHost, apiURL string) *Manager {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	settings := types.DefaultSettings()
	settings.APIConfig.APIURL = apiURL
	settings.GroupingDelayMS = 1

	classifier := classify.New(aiclient.New(settings.APIConfig), ratelimit.New(100, time.Minute), settings.Categories)
	registry := groups.New(host, classifier.Categories)
	return New(classifier, registry, host, store, settings, 2)
}

// waitIdle polls until the pipeline has no pending or in-flight tabs.
func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Status(); !s.Active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pipeline did not go idle: %+v", m.Status())
}

func TestClassifyTabEndToEnd(t *testing.T) {
	var calls atomic.Int32
	ts := classifyServer(t, "ニュース・メディア", &calls)
	defer ts.Close()

	host := newFakeHost()
	host.addTab(1, "https://news.example.com/a")
	m := newTestManager(t, host, ts.URL)

	m.ClassifyTab(context.Background(), 1)

	gid := host.groupOf(1)
	if gid <= 0 {
		t.Fatal("tab was not grouped")
	}
	g, _ := host.GetGroup(context.Background(), gid)
	if g.Title != "ニュース・メディア" {
		t.Errorf("group title = %q", g.Title)
	}
	if g.Color != "cyan" {
		t.Errorf("group color = %q", g.Color)
	}

	total, err := m.store.ProcessedTotal()
	if err != nil {
		t.Fatalf("read counter: %v", err)
	}
	if total != 1 {
		t.Errorf("processed total = %d, want 1", total)
	}
	history, err := m.store.RecentClassifications(10)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(history) != 1 || history[0].Category != "ニュース・メディア" {
		t.Errorf("history = %+v", history)
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate // hold the first classification until all enqueues happened
		calls.Add(1)
		content, _ := json.Marshal(`{"category":"その他","confidence":0.9}`)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%s}}]}`, content)
	}))
	defer ts.Close()

	host := newFakeHost()
	host.addTab(1, "https://example.com/x")
	m := newTestManager(t, host, ts.URL)

	ctx := context.Background()
	m.Enqueue(ctx, 1)
	m.Enqueue(ctx, 1)
	m.Enqueue(ctx, 1)
	close(gate)
	waitIdle(t, m)

	if got := calls.Load(); got != 1 {
		t.Errorf("classification requests = %d, want 1", got)
	}
}

func TestStatusNeverHasTabInBothSets(t *testing.T) {
	var calls atomic.Int32
	ts := classifyServer(t, "その他", &calls)
	defer ts.Close()

	host := newFakeHost()
	for i := 1; i <= 8; i++ {
		host.addTab(i, fmt.Sprintf("https://example.com/%d", i))
	}
	m := newTestManager(t, host, ts.URL)

	var violations atomic.Int32
	m.AddListener(func(s types.ProcessingStatus) {
		seen := make(map[int]bool, len(s.ProcessingIDs))
		for _, id := range s.ProcessingIDs {
			seen[id] = true
		}
		for _, id := range s.PendingIDs {
			if seen[id] {
				violations.Add(1)
			}
		}
		if s.Active != (s.Count > 0) {
			violations.Add(1)
		}
	})

	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		m.Enqueue(ctx, i)
	}
	waitIdle(t, m)

	if violations.Load() != 0 {
		t.Errorf("status invariant violated %d times", violations.Load())
	}
}

func TestSameDomainNavigationSkipsReclassification(t *testing.T) {
	var calls atomic.Int32
	ts := classifyServer(t, "ニュース・メディア", &calls)
	defer ts.Close()

	host := newFakeHost()
	host.addTab(1, "https://news.example.com/a")
	m := newTestManager(t, host, ts.URL)

	ctx := context.Background()
	m.ClassifyTab(ctx, 1)
	if calls.Load() != 1 {
		t.Fatalf("setup classification requests = %d", calls.Load())
	}

	// Navigation within the same domain keeps the classification.
	m.HandleTabUpdate(ctx, types.Tab{ID: 1, URL: "https://news.example.com/b", Status: "complete"})
	waitIdle(t, m)
	if got := calls.Load(); got != 1 {
		t.Errorf("same-domain navigation triggered reclassification: %d requests", got)
	}

	// A domain change re-enqueues the tab. The user pulled the tab out
	// of its group first; grouped tabs are never reclassified.
	host.UngroupTabs(ctx, []int{1})
	host.addTab(1, "https://shop.example.org/cart")
	m.HandleTabUpdate(ctx, types.Tab{ID: 1, URL: "https://shop.example.org/cart", Status: "complete"})
	waitIdle(t, m)
	if got := calls.Load(); got != 2 {
		t.Errorf("domain change should reclassify, got %d requests", got)
	}
}

func TestFailedClassificationLeavesTabUngrouped(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer ts.Close()

	host := newFakeHost()
	host.addTab(1, "https://example.com/x")
	m := newTestManager(t, host, ts.URL)

	m.ClassifyTab(context.Background(), 1)

	if gid := host.groupOf(1); gid != -1 {
		t.Errorf("tab should stay ungrouped, got group %d", gid)
	}
	if s := m.Status(); s.Active {
		t.Errorf("pipeline should be idle after failure: %+v", s)
	}
	total, _ := m.store.ProcessedTotal()
	if total != 0 {
		t.Errorf("failed classification counted: total = %d", total)
	}
}

func TestExcludedURLsAreSkipped(t *testing.T) {
	var calls atomic.Int32
	ts := classifyServer(t, "その他", &calls)
	defer ts.Close()

	host := newFakeHost()
	host.addTab(1, "about:config")
	host.addTab(2, "chrome://settings")
	m := newTestManager(t, host, ts.URL)

	ctx := context.Background()
	m.ClassifyTab(ctx, 1)
	m.ClassifyTab(ctx, 2)

	if calls.Load() != 0 {
		t.Errorf("excluded URLs reached the classifier: %d requests", calls.Load())
	}
}

func TestTabRemovalClearsState(t *testing.T) {
	var calls atomic.Int32
	ts := classifyServer(t, "その他", &calls)
	defer ts.Close()

	host := newFakeHost()
	host.addTab(1, "https://example.com/x")
	m := newTestManager(t, host, ts.URL)

	m.ClassifyTab(context.Background(), 1)
	if _, ok := m.CachedCategory(1); !ok {
		t.Fatal("expected cached category after classification")
	}

	m.HandleTabRemoval(1)
	if _, ok := m.CachedCategory(1); ok {
		t.Error("cache entry should be gone after removal")
	}
	if s := m.Status(); s.Active {
		t.Errorf("status should be idle: %+v", s)
	}
}

func TestInitializeExistingTabsSkipsGrouped(t *testing.T) {
	var calls atomic.Int32
	ts := classifyServer(t, "その他", &calls)
	defer ts.Close()

	host := newFakeHost()
	host.addTab(1, "https://example.com/a")
	host.addTab(2, "https://example.com/b")
	host.mu.Lock()
	host.groups[7] = &types.TabGroup{ID: 7, Title: "既存", WindowID: 1}
	host.tabs[2].GroupID = 7
	host.mu.Unlock()

	m := newTestManager(t, host, ts.URL)
	m.InitializeExistingTabs(context.Background())
	waitIdle(t, m)

	if got := calls.Load(); got != 1 {
		t.Errorf("classification requests = %d, want 1 (grouped tab skipped)", got)
	}
}

// Exercised under the race detector: settings updates must not mutate
// the exclusion list a concurrent matcher is reading.
func TestConcurrentSettingsUpdateAndExclusionCheck(t *testing.T) {
	var calls atomic.Int32
	ts := classifyServer(t, "その他", &calls)
	defer ts.Close()

	m := newTestManager(t, newFakeHost(), ts.URL)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		settings := types.DefaultSettings()
		settings.APIConfig.APIURL = ts.URL
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			settings.ExcludedURLs = []string{"about:*", fmt.Sprintf("https://blocked%d.example.com/*", i)}
			m.UpdateSettings(settings)
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if !m.IsExcluded("about:config") {
				t.Error("about:config should stay excluded across updates")
				return
			}
			m.IsExcluded("https://example.com/page")
		}
	}()

	time.Sleep(100 * time.Millisecond)
	close(done)
	wg.Wait()
}

func TestBroadcastReachesAllListeners(t *testing.T) {
	var calls atomic.Int32
	ts := classifyServer(t, "その他", &calls)
	defer ts.Close()

	host := newFakeHost()
	host.addTab(1, "https://example.com/x")
	m := newTestManager(t, host, ts.URL)

	var first, second atomic.Int32
	m.AddListener(func(types.ProcessingStatus) { first.Add(1) })
	m.AddListener(func(types.ProcessingStatus) { second.Add(1) })

	m.ClassifyTab(context.Background(), 1)
	m.HandleTabRemoval(1)

	if first.Load() == 0 || second.Load() == 0 {
		t.Errorf("pushes: first=%d second=%d, want both > 0", first.Load(), second.Load())
	}
	if first.Load() != second.Load() {
		t.Errorf("listeners saw different push counts: %d vs %d", first.Load(), second.Load())
	}
}
