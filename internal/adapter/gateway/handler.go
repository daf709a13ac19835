package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"pagepilot/internal/adapter/tool"
	"pagepilot/internal/domain"
)

// Command names.
const (
	CmdGetPageInfo = "getPageInfo"
	CmdSetFeature  = "setFeature"
	CmdSendChat    = "sendChat"

	FeatureOfflineMode = "offlineMode"
)

// TurnRunner runs one orchestration turn.
type TurnRunner interface {
	Turn(ctx context.Context, text string) (string, error)
}

// OfflineSwitch toggles the provider mode.
type OfflineSwitch interface {
	SetOfflineMode(ctx context.Context, offline bool) bool
	State() domain.ProviderState
}

// DispatcherDeps wires a Dispatcher.
type DispatcherDeps struct {
	Pages    domain.PageInspector
	Engine   TurnRunner
	Selector OfflineSwitch
	Events   domain.Broadcaster
	Logger   *slog.Logger
}

// Dispatcher maps command names to the assistant's operations.
type Dispatcher struct {
	pages    domain.PageInspector
	engine   TurnRunner
	selector OfflineSwitch
	events   domain.Broadcaster
	logger   *slog.Logger
}

var _ CommandHandler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	if deps.Events == nil {
		deps.Events = domain.NopBroadcaster{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Dispatcher{
		pages:    deps.Pages,
		engine:   deps.Engine,
		selector: deps.Selector,
		events:   deps.Events,
		logger:   deps.Logger,
	}
}

// FeatureResult is both the feature event payload and the setFeature response.
type FeatureResult struct {
	Key       string `json:"key"`
	Requested bool   `json:"requested"`
	Value     bool   `json:"value"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
}

// ChatReply is the sendChat response.
type ChatReply struct {
	Text string `json:"text"`
}

// Handle implements CommandHandler.
func (d *Dispatcher) Handle(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case CmdGetPageInfo:
		return d.getPageInfo(ctx, args)
	case CmdSetFeature:
		return d.setFeature(ctx, args)
	case CmdSendChat:
		return d.sendChat(ctx, args)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownCommand, name)
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgs, err)
	}
	return nil
}

func (d *Dispatcher) getPageInfo(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	tabID := p.TabID
	if tabID == "" {
		tab, ok := d.pages.ActiveTab(ctx)
		if !ok {
			return nil, domain.ErrNoActiveTab
		}
		tabID = tab.ID
	}
	page, err := d.pages.Page(ctx, tabID)
	if err != nil {
		return nil, err
	}
	summary := tool.Summarize(page)
	d.events.BroadcastChat("", domain.ChatRoleBrowser, summary.Title+" — "+summary.URL)
	return summary, nil
}

func (d *Dispatcher) setFeature(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	if p.Key != FeatureOfflineMode {
		return nil, fmt.Errorf("%w: %q", domain.ErrFeatureUnsupported, p.Key)
	}
	requested, ok := p.Value.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects a boolean value", domain.ErrInvalidArgs, p.Key)
	}

	granted := d.selector.SetOfflineMode(ctx, requested)
	st := d.selector.State()
	res := FeatureResult{
		Key:       p.Key,
		Requested: requested,
		Value:     st.Offline,
		Granted:   granted,
		Reason:    st.LastUnavailableReason,
	}
	if granted {
		res.Reason = ""
	}
	d.logger.Info("feature toggled", "key", p.Key, "requested", requested, "granted", granted)
	d.events.BroadcastEvent(domain.EventFeature, res)
	return res, nil
}

func (d *Dispatcher) sendChat(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is empty", domain.ErrInvalidArgs)
	}
	d.events.BroadcastChat("", domain.ChatRoleUser, text)

	reply, err := d.engine.Turn(ctx, text)
	if err != nil {
		return nil, err
	}
	return ChatReply{Text: reply}, nil
}
