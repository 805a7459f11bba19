// Package groups maps category names to native tab groups, creating
// groups on demand and healing a stale cache lazily.
package groups

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/moezakura/ai-tab-sorter/internal/browser"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// placeholderURL is opened to satisfy the host precondition that a group
// is created from at least one member tab.
const placeholderURL = "about:blank"

// groupInfo mirrors the native group plus its known member tabs.
type groupInfo struct {
	id        int
	title     string
	color     string
	collapsed bool
	windowID  int
	tabIDs    []int
}

// Registry owns the category→group cache exclusively. All operations
// are best-effort: failures are logged, never propagated.
type Registry struct {
	host       browser.Host
	categories func() []types.GroupCategory

	mu         sync.Mutex
	byCategory map[string]int
	groups     map[int]*groupInfo
}

// New creates a Registry. categories supplies the current category
// configuration for color lookup; unknown categories fall back to the
// default catch-all color.
func New(host browser.Host, categories func() []types.GroupCategory) *Registry {
	return &Registry{
		host:       host,
		categories: categories,
		byCategory: make(map[string]int),
		groups:     make(map[int]*groupInfo),
	}
}

// Init seeds the cache from the host's existing groups, keyed by title.
// Failure is non-fatal; the cache simply starts empty.
func (r *Registry) Init(ctx context.Context) {
	existing, err := r.host.QueryGroups(ctx)
	if err != nil {
		slog.Warn("group cache init skipped", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range existing {
		r.groups[g.ID] = &groupInfo{
			id:        g.ID,
			title:     g.Title,
			color:     g.Color,
			collapsed: g.Collapsed,
			windowID:  g.WindowID,
		}
		if g.Title != "" {
			r.byCategory[g.Title] = g.ID
		}
	}
	slog.Info("group cache initialized", "groups", len(existing))
}

// PlaceTab puts the tab into the group for the category, creating the
// group if needed. Idempotent; never returns an error — every failure
// path logs and leaves the browser unchanged at worst.
func (r *Registry) PlaceTab(ctx context.Context, tabID int, categoryName string) {
	tab, err := r.host.GetTab(ctx, tabID)
	if err != nil {
		if errors.Is(err, browser.ErrUnavailable) {
			slog.Warn("grouping unavailable, skipping", "tab", tabID)
		} else {
			slog.Error("tab lookup failed", "tab", tabID, "error", err)
		}
		return
	}

	groupID, placeholderID, err := r.getOrCreateGroup(ctx, categoryName, tab.WindowID)
	if err != nil {
		slog.Error("group resolution failed", "category", categoryName, "error", err)
		return
	}

	if _, err := r.host.GroupTabs(ctx, []int{tabID}, groupID); err != nil {
		slog.Error("add to group failed", "tab", tabID, "group", groupID, "error", err)
		return
	}
	slog.Info("tab grouped", "tab", tabID, "group", groupID, "category", categoryName)

	r.mu.Lock()
	if info, ok := r.groups[groupID]; ok && !slices.Contains(info.tabIDs, tabID) {
		info.tabIDs = append(info.tabIDs, tabID)
	}
	r.mu.Unlock()

	// The placeholder is removed only after the real tab joined, so the
	// group is never transiently empty on hosts that auto-delete empty
	// groups.
	if placeholderID != 0 {
		r.removePlaceholder(ctx, groupID, placeholderID)
	}
}

// getOrCreateGroup resolves the category's group in the tab's window,
// verifying a cached handle is still live before trusting it. Returns
// the placeholder tab ID when a group was created in this call.
func (r *Registry) getOrCreateGroup(ctx context.Context, categoryName string, windowID int) (groupID, placeholderID int, err error) {
	r.mu.Lock()
	cached, ok := r.byCategory[categoryName]
	r.mu.Unlock()

	if ok {
		group, gerr := r.host.GetGroup(ctx, cached)
		if gerr == nil && group.WindowID == windowID {
			return cached, 0, nil
		}
		// Deleted externally or belongs to another window: evict and
		// recreate rather than fail.
		r.mu.Lock()
		delete(r.byCategory, categoryName)
		delete(r.groups, cached)
		r.mu.Unlock()
		slog.Info("stale group evicted", "category", categoryName, "group", cached)
	}

	return r.createGroup(ctx, categoryName, windowID)
}

func (r *Registry) createGroup(ctx context.Context, categoryName string, windowID int) (groupID, placeholderID int, err error) {
	placeholder, err := r.host.CreateTab(ctx, placeholderURL, windowID, false)
	if err != nil {
		return 0, 0, err
	}

	groupID, err = r.host.GroupTabs(ctx, []int{placeholder.ID}, 0)
	if err != nil {
		// Best-effort cleanup of the orphaned placeholder.
		if rerr := r.host.RemoveTab(ctx, placeholder.ID); rerr != nil {
			slog.Warn("placeholder cleanup failed", "tab", placeholder.ID, "error", rerr)
		}
		return 0, 0, err
	}

	color := r.colorFor(categoryName)
	collapsed := false
	if err := r.host.UpdateGroup(ctx, groupID, browser.GroupUpdate{
		Title:     &categoryName,
		Color:     &color,
		Collapsed: &collapsed,
	}); err != nil {
		slog.Warn("group property update failed", "group", groupID, "error", err)
	}

	r.mu.Lock()
	r.byCategory[categoryName] = groupID
	r.groups[groupID] = &groupInfo{
		id:       groupID,
		title:    categoryName,
		color:    color,
		windowID: windowID,
		tabIDs:   []int{placeholder.ID},
	}
	r.mu.Unlock()

	slog.Info("group created", "group", groupID, "category", categoryName, "window", windowID)
	return groupID, placeholder.ID, nil
}

func (r *Registry) removePlaceholder(ctx context.Context, groupID, placeholderID int) {
	if err := r.host.RemoveTab(ctx, placeholderID); err != nil {
		slog.Warn("placeholder removal failed", "tab", placeholderID, "error", err)
		return
	}
	r.mu.Lock()
	if info, ok := r.groups[groupID]; ok {
		if i := slices.Index(info.tabIDs, placeholderID); i >= 0 {
			info.tabIDs = slices.Delete(info.tabIDs, i, i+1)
		}
	}
	r.mu.Unlock()
}

// colorFor resolves a category's color from the current configuration,
// falling back to the last default category (the その他 bucket).
func (r *Registry) colorFor(categoryName string) string {
	for _, cat := range r.categories() {
		if cat.Name == categoryName {
			return cat.Color
		}
	}
	return types.DefaultCategories[len(types.DefaultCategories)-1].Color
}

// RemoveTabFromGroup detaches a tab from whatever group holds it.
func (r *Registry) RemoveTabFromGroup(ctx context.Context, tabID int) {
	if err := r.host.UngroupTabs(ctx, []int{tabID}); err != nil {
		slog.Warn("ungroup failed", "tab", tabID, "error", err)
		return
	}
	r.mu.Lock()
	for _, info := range r.groups {
		if i := slices.Index(info.tabIDs, tabID); i >= 0 {
			info.tabIDs = slices.Delete(info.tabIDs, i, i+1)
		}
	}
	r.mu.Unlock()
}

// CollapseGroup folds the group; the cache mirrors the flag.
func (r *Registry) CollapseGroup(ctx context.Context, groupID int) {
	r.setCollapsed(ctx, groupID, true)
}

// ExpandGroup unfolds the group; the cache mirrors the flag.
func (r *Registry) ExpandGroup(ctx context.Context, groupID int) {
	r.setCollapsed(ctx, groupID, false)
}

func (r *Registry) setCollapsed(ctx context.Context, groupID int, collapsed bool) {
	if err := r.host.UpdateGroup(ctx, groupID, browser.GroupUpdate{Collapsed: &collapsed}); err != nil {
		slog.Warn("group collapse update failed", "group", groupID, "collapsed", collapsed, "error", err)
		return
	}
	r.mu.Lock()
	if info, ok := r.groups[groupID]; ok {
		info.collapsed = collapsed
	}
	r.mu.Unlock()
}
