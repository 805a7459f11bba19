// Package browser defines the narrow capability interface the pipeline
// uses to drive the host browser, and its implementation over the
// WebSocket bridge extension. Keeping the surface small lets tests run
// against a fake host.
package browser

import (
	"context"
	"errors"

	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// ErrUnavailable marks a capability the host browser does not currently
// provide — no extension connected, or the tab-grouping API missing in
// this browser version. Callers degrade gracefully instead of failing.
var ErrUnavailable = errors.New("browser capability unavailable")

// GroupUpdate carries optional group property changes. Nil fields are
// left untouched.
type GroupUpdate struct {
	Title     *string
	Color     *string
	Collapsed *bool
}

// Host is the capability surface of the browser.
type Host interface {
	QueryTabs(ctx context.Context) ([]types.Tab, error)
	GetTab(ctx context.Context, tabID int) (types.Tab, error)
	CreateTab(ctx context.Context, url string, windowID int, active bool) (types.Tab, error)
	RemoveTab(ctx context.Context, tabID int) error

	// GroupTabs adds tabs to an existing group, or creates a new group
	// when groupID is 0. Returns the resulting group ID.
	GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error)
	UngroupTabs(ctx context.Context, tabIDs []int) error
	QueryGroups(ctx context.Context) ([]types.TabGroup, error)
	GetGroup(ctx context.Context, groupID int) (types.TabGroup, error)
	UpdateGroup(ctx context.Context, groupID int, update GroupUpdate) error

	// ExtractContent asks the in-page content script for the page's
	// readable content. Idempotent; safe to call repeatedly.
	ExtractContent(ctx context.Context, tabID int) (types.PageContent, error)
}
