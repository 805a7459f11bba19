package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moezakura/ai-tab-sorter/internal/server"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

// callTimeout bounds a single host command round-trip. Content
// extraction gets longer because the page script may wait for load.
const (
	callTimeout    = 10 * time.Second
	extractTimeout = 20 * time.Second
)

// Bridge implements Host over the WebSocket connection to the extension.
// Commands carry a correlation ID; the extension echoes it in its reply.
type Bridge struct {
	srv *server.Server

	mu      sync.Mutex
	pending map[string]chan server.IncomingMsg
	seq     atomic.Uint64
}

// NewBridge creates a Bridge sending commands through srv.
func NewBridge(srv *server.Server) *Bridge {
	return &Bridge{
		srv:     srv,
		pending: make(map[string]chan server.IncomingMsg),
	}
}

// Deliver routes a command reply to its waiter. Returns false if the
// message is not a reply (the caller should dispatch it as an event).
func (b *Bridge) Deliver(msg server.IncomingMsg) bool {
	if msg.ID == "" || msg.Type != "" {
		return false
	}
	b.mu.Lock()
	ch, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	b.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (b *Bridge) call(ctx context.Context, timeout time.Duration, msg server.OutgoingMsg) (server.IncomingMsg, error) {
	if !b.srv.Connected() {
		return server.IncomingMsg{}, fmt.Errorf("%s: %w", msg.Action, ErrUnavailable)
	}

	id := fmt.Sprintf("cmd-%d", b.seq.Add(1))
	msg.ID = id
	ch := make(chan server.IncomingMsg, 1)

	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}

	if err := b.srv.Send(msg); err != nil {
		cleanup()
		return server.IncomingMsg{}, fmt.Errorf("%s: send: %w", msg.Action, err)
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case reply := <-ch:
		if reply.Failed() {
			return reply, fmt.Errorf("%s: extension reported: %s", msg.Action, reply.Error)
		}
		return reply, nil
	case <-t.C:
		cleanup()
		return server.IncomingMsg{}, fmt.Errorf("%s: timed out after %v", msg.Action, timeout)
	case <-ctx.Done():
		cleanup()
		return server.IncomingMsg{}, ctx.Err()
	}
}

func (b *Bridge) QueryTabs(ctx context.Context) ([]types.Tab, error) {
	reply, err := b.call(ctx, callTimeout, server.OutgoingMsg{Action: "queryTabs"})
	if err != nil {
		return nil, err
	}
	var tabs []types.Tab
	if err := json.Unmarshal(reply.Tabs, &tabs); err != nil {
		return nil, fmt.Errorf("queryTabs: parse reply: %w", err)
	}
	return tabs, nil
}

func (b *Bridge) GetTab(ctx context.Context, tabID int) (types.Tab, error) {
	reply, err := b.call(ctx, callTimeout, server.OutgoingMsg{Action: "getTab", TabID: tabID})
	if err != nil {
		return types.Tab{}, err
	}
	var tab types.Tab
	if err := json.Unmarshal(reply.Tab, &tab); err != nil {
		return types.Tab{}, fmt.Errorf("getTab: parse reply: %w", err)
	}
	return tab, nil
}

func (b *Bridge) CreateTab(ctx context.Context, url string, windowID int, active bool) (types.Tab, error) {
	reply, err := b.call(ctx, callTimeout, server.OutgoingMsg{
		Action:   "createTab",
		URL:      url,
		WindowID: windowID,
		Active:   &active,
	})
	if err != nil {
		return types.Tab{}, err
	}
	var tab types.Tab
	if err := json.Unmarshal(reply.Tab, &tab); err != nil {
		return types.Tab{}, fmt.Errorf("createTab: parse reply: %w", err)
	}
	return tab, nil
}

func (b *Bridge) RemoveTab(ctx context.Context, tabID int) error {
	_, err := b.call(ctx, callTimeout, server.OutgoingMsg{Action: "removeTab", TabID: tabID})
	return err
}

func (b *Bridge) GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error) {
	reply, err := b.call(ctx, callTimeout, server.OutgoingMsg{
		Action:  "groupTabs",
		TabIDs:  tabIDs,
		GroupID: groupID,
	})
	if err != nil {
		return 0, err
	}
	if reply.GroupID == 0 {
		return 0, fmt.Errorf("groupTabs: extension returned no group id")
	}
	return reply.GroupID, nil
}

func (b *Bridge) UngroupTabs(ctx context.Context, tabIDs []int) error {
	_, err := b.call(ctx, callTimeout, server.OutgoingMsg{Action: "ungroupTabs", TabIDs: tabIDs})
	return err
}

func (b *Bridge) QueryGroups(ctx context.Context) ([]types.TabGroup, error) {
	reply, err := b.call(ctx, callTimeout, server.OutgoingMsg{Action: "queryGroups"})
	if err != nil {
		return nil, err
	}
	var groups []types.TabGroup
	if err := json.Unmarshal(reply.Groups, &groups); err != nil {
		return nil, fmt.Errorf("queryGroups: parse reply: %w", err)
	}
	return groups, nil
}

func (b *Bridge) GetGroup(ctx context.Context, groupID int) (types.TabGroup, error) {
	reply, err := b.call(ctx, callTimeout, server.OutgoingMsg{Action: "getGroup", GroupID: groupID})
	if err != nil {
		return types.TabGroup{}, err
	}
	var group types.TabGroup
	if err := json.Unmarshal(reply.Group, &group); err != nil {
		return types.TabGroup{}, fmt.Errorf("getGroup: parse reply: %w", err)
	}
	return group, nil
}

func (b *Bridge) UpdateGroup(ctx context.Context, groupID int, update GroupUpdate) error {
	msg := server.OutgoingMsg{Action: "updateGroup", GroupID: groupID, Collapsed: update.Collapsed}
	if update.Title != nil {
		msg.Title = *update.Title
	}
	if update.Color != nil {
		msg.Color = *update.Color
	}
	_, err := b.call(ctx, callTimeout, msg)
	return err
}

func (b *Bridge) ExtractContent(ctx context.Context, tabID int) (types.PageContent, error) {
	reply, err := b.call(ctx, extractTimeout, server.OutgoingMsg{Action: "extractContent", TabID: tabID})
	if err != nil {
		return types.PageContent{}, err
	}
	var content types.PageContent
	if err := json.Unmarshal(reply.Content, &content); err != nil {
		return types.PageContent{}, fmt.Errorf("extractContent: parse reply: %w", err)
	}
	return content, nil
}
