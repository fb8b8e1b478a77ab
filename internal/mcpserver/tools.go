// Package mcpserver registers MCP tools that expose the realtime
// connection and the notification scheduler to agents.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/lyo-realtime/internal/notify"
	"github.com/alexjbarnes/lyo-realtime/internal/realtime"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Realtime is the connection surface the tools drive.
type Realtime interface {
	Status() realtime.Status
	Connect()
	Disconnect()
	Send(msg realtime.Message)
}

// Notifications is the scheduler surface the tools drive.
type Notifications interface {
	Schedule(ctx context.Context, content notify.Content, trigger notify.Trigger, identifier string) bool
	Cancel(identifier string)
	Pending() []notify.Request
	SetTypeEnabled(t notify.Type, enabled bool)
}

// RegisterTools adds the realtime and notification tools to server.
func RegisterTools(server *mcp.Server, rt Realtime, n Notifications) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "realtime_status",
		Description: "Report the realtime connection state: connected, connecting, reconnecting or disconnected, plus reconnect attempt counters and the last error.",
	}, statusHandler(rt))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "realtime_connect",
		Description: "Ask the realtime connection to connect. Resumes after reconnect attempts were exhausted. No effect while already connected.",
	}, connectHandler(rt))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "realtime_disconnect",
		Description: "Close the realtime connection and cancel any pending reconnect.",
	}, disconnectHandler(rt))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "realtime_send",
		Description: "Send a message over the realtime connection. Fails when not connected. System types (heartbeat, auth_required, connection_established) are rejected.",
	}, sendHandler(rt))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_list",
		Description: "List pending local notifications with their trigger and next fire time.",
	}, listHandler(n))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_schedule",
		Description: "Schedule a local notification. trigger_kind is immediate, date (needs at), interval (needs delay) or recurring (hour, minute and optional weekday). Reusing an identifier replaces the earlier notification.",
	}, scheduleHandler(n))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_cancel",
		Description: "Cancel a pending notification by identifier. Unknown identifiers are ignored.",
	}, cancelHandler(n))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_set_type_enabled",
		Description: "Enable or disable a notification type (reminder, streak, achievement, course_update, social, chat_message, system). Disabling a type cancels its pending notifications.",
	}, setTypeEnabledHandler(n))
}

// --- Input types ---

// StatusInput has no parameters.
type StatusInput struct{}

// ConnectInput has no parameters.
type ConnectInput struct{}

// DisconnectInput has no parameters.
type DisconnectInput struct{}

// SendInput holds parameters for realtime_send.
type SendInput struct {
	Type string         `json:"type" jsonschema:"required,message type, for example chat_message"`
	Data map[string]any `json:"data,omitempty" jsonschema:"message payload"`
}

// ListInput has no parameters.
type ListInput struct{}

// ScheduleInput holds parameters for notification_schedule.
type ScheduleInput struct {
	Type        string `json:"type" jsonschema:"required,notification type: achievement, streak, reminder, course_update, social or chat"`
	Title       string `json:"title,omitempty" jsonschema:"notification title"`
	Body        string `json:"body,omitempty" jsonschema:"notification body"`
	Identifier  string `json:"identifier,omitempty" jsonschema:"identifier, generated when empty"`
	TriggerKind string `json:"trigger_kind,omitempty" jsonschema:"immediate, date, interval or recurring, defaults to immediate"`
	At          string `json:"at,omitempty" jsonschema:"RFC 3339 fire time for date triggers"`
	Delay       string `json:"delay,omitempty" jsonschema:"Go duration for interval triggers, for example 90s or 2h"`
	Repeats     bool   `json:"repeats,omitempty" jsonschema:"repeat an interval trigger"`
	Hour        int    `json:"hour,omitempty" jsonschema:"hour of day for recurring triggers"`
	Minute      int    `json:"minute,omitempty" jsonschema:"minute for recurring triggers"`
	Weekday     string `json:"weekday,omitempty" jsonschema:"weekday for weekly recurring triggers, daily when empty"`
}

func (in ScheduleInput) spec() notify.ScheduleSpec {
	return notify.ScheduleSpec{
		Type:       in.Type,
		Title:      in.Title,
		Body:       in.Body,
		Identifier: in.Identifier,
		Trigger: notify.TriggerSpec{
			Kind:    notify.TriggerKind(in.TriggerKind),
			At:      in.At,
			Delay:   in.Delay,
			Repeats: in.Repeats,
			Hour:    in.Hour,
			Minute:  in.Minute,
			Weekday: in.Weekday,
		},
	}
}

// CancelInput holds parameters for notification_cancel.
type CancelInput struct {
	Identifier string `json:"identifier" jsonschema:"required,notification identifier"`
}

// SetTypeEnabledInput holds parameters for notification_set_type_enabled.
type SetTypeEnabledInput struct {
	Type    string `json:"type" jsonschema:"required,notification type"`
	Enabled bool   `json:"enabled" jsonschema:"required,true to allow the type, false to disable it"`
}

// --- Output types ---

// StatusOutput mirrors realtime.Status with wire-friendly fields.
type StatusOutput struct {
	State            string `json:"state"`
	Online           bool   `json:"online"`
	Attempt          int    `json:"attempt"`
	MaxAttempts      int    `json:"max_attempts"`
	ReconnectPending bool   `json:"reconnect_pending"`
	Exhausted        bool   `json:"exhausted"`
	LastError        string `json:"last_error,omitempty"`
	ServerSession    string `json:"server_session,omitempty"`
	ConnectedSince   string `json:"connected_since,omitempty"`
}

func statusOutput(s realtime.Status) *StatusOutput {
	out := &StatusOutput{
		State:            s.State.String(),
		Online:           s.Online,
		Attempt:          s.Attempt,
		MaxAttempts:      s.MaxAttempts,
		ReconnectPending: s.ReconnectPending,
		Exhausted:        s.Exhausted,
		LastError:        s.LastError,
		ServerSession:    s.ServerSession,
	}

	if !s.ConnectedSince.IsZero() {
		out.ConnectedSince = s.ConnectedSince.Format(time.RFC3339)
	}

	return out
}

// SendOutput reports a queued message.
type SendOutput struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

// NotificationEntry describes one pending notification.
type NotificationEntry struct {
	Identifier string `json:"identifier"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	Trigger    string `json:"trigger"`
	Repeats    bool   `json:"repeats"`
	NextFire   string `json:"next_fire,omitempty"`
}

// ListOutput holds the pending notifications.
type ListOutput struct {
	Total         int                 `json:"total"`
	Notifications []NotificationEntry `json:"notifications"`
}

// ScheduleOutput reports a scheduling decision.
type ScheduleOutput struct {
	Identifier string `json:"identifier"`
	Scheduled  bool   `json:"scheduled"`
}

// CancelOutput echoes the cancelled identifier.
type CancelOutput struct {
	Identifier string `json:"identifier"`
}

// TypeSettingOutput reports the new state of a notification type.
type TypeSettingOutput struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// --- Handlers ---

func statusHandler(rt Realtime) mcp.ToolHandlerFor[StatusInput, *StatusOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusOutput, error) {
		out := statusOutput(rt.Status())
		return textResult(out), out, nil
	}
}

func connectHandler(rt Realtime) mcp.ToolHandlerFor[ConnectInput, *StatusOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ConnectInput) (*mcp.CallToolResult, *StatusOutput, error) {
		rt.Connect()

		out := statusOutput(rt.Status())
		return textResult(out), out, nil
	}
}

func disconnectHandler(rt Realtime) mcp.ToolHandlerFor[DisconnectInput, *StatusOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ DisconnectInput) (*mcp.CallToolResult, *StatusOutput, error) {
		rt.Disconnect()

		out := statusOutput(rt.Status())
		return textResult(out), out, nil
	}
}

func sendHandler(rt Realtime) mcp.ToolHandlerFor[SendInput, *SendOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendOutput, error) {
		if input.Type == "" {
			return nil, nil, fmt.Errorf("type is required")
		}

		if realtime.IsSystemType(input.Type) {
			return nil, nil, fmt.Errorf("%s is a system message type and cannot be sent", input.Type)
		}

		if state := rt.Status().State; state != realtime.StateConnected {
			return nil, nil, fmt.Errorf("not connected (state %s)", state)
		}

		msg := realtime.NewMessage(input.Type, input.Data)
		rt.Send(msg)

		out := &SendOutput{ID: msg.ID, Queued: true}

		return textResult(out), out, nil
	}
}

func listHandler(n Notifications) mcp.ToolHandlerFor[ListInput, *ListOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListOutput, error) {
		now := time.Now()
		pending := n.Pending()

		out := &ListOutput{Total: len(pending), Notifications: make([]NotificationEntry, 0, len(pending))}
		for _, req := range pending {
			entry := NotificationEntry{
				Identifier: req.Identifier,
				Type:       string(req.Content.Type),
				Title:      req.Content.Title,
				Body:       req.Content.Body,
				Trigger:    string(req.Trigger.Kind),
				Repeats:    req.Trigger.Repeating(),
			}

			if next := req.Trigger.Next(now); !next.IsZero() {
				entry.NextFire = next.Format(time.RFC3339)
			}

			out.Notifications = append(out.Notifications, entry)
		}

		return textResult(out), out, nil
	}
}

func scheduleHandler(n Notifications) mcp.ToolHandlerFor[ScheduleInput, *ScheduleOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ScheduleInput) (*mcp.CallToolResult, *ScheduleOutput, error) {
		spec := input.spec()

		content, trigger, err := spec.Build()
		if err != nil {
			return nil, nil, err
		}

		id := spec.Identifier
		if id == "" {
			id = "mcp-" + uuid.NewString()
		}

		out := &ScheduleOutput{Identifier: id, Scheduled: n.Schedule(ctx, content, trigger, id)}

		return textResult(out), out, nil
	}
}

func cancelHandler(n Notifications) mcp.ToolHandlerFor[CancelInput, *CancelOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input CancelInput) (*mcp.CallToolResult, *CancelOutput, error) {
		if input.Identifier == "" {
			return nil, nil, fmt.Errorf("identifier is required")
		}

		n.Cancel(input.Identifier)

		out := &CancelOutput{Identifier: input.Identifier}

		return textResult(out), out, nil
	}
}

func setTypeEnabledHandler(n Notifications) mcp.ToolHandlerFor[SetTypeEnabledInput, *TypeSettingOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SetTypeEnabledInput) (*mcp.CallToolResult, *TypeSettingOutput, error) {
		t, err := notify.ParseType(input.Type)
		if err != nil {
			return nil, nil, err
		}

		n.SetTypeEnabled(t, input.Enabled)

		out := &TypeSettingOutput{Type: string(t), Enabled: input.Enabled}

		return textResult(out), out, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// The SDK fills in the structured output alongside it.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
