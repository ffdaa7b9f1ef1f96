package pluginhost

import (
	"log/slog"
	"time"

	"github.com/amoeba/gromnie/internal/scene"
	"github.com/amoeba/gromnie/internal/session"
)

// ClientState is the read-only snapshot get-client-state() hands to a
// plugin.
type ClientState struct {
	SessionState session.State
	Scene        scene.Scene
}

// ClientStateProvider is implemented by whoever owns the live session (the
// client loop); the plugin host only ever reads through it.
type ClientStateProvider interface {
	ClientState() ClientState
}

// ScriptContext is the per-call handle bound to a plugin's state just before
// a host function may be invoked, and cleared immediately after. A plugin
// cannot retain it across calls because Plugin.current is nil everywhere
// except during the one export call it was set for.
type ScriptContext struct {
	log         *slog.Logger
	pluginID    string
	actions     chan<- session.Action
	clientState ClientStateProvider
	timers      *TimerManager
	eventTime   time.Time
}

// SendChat submits an ordered Chat_Say action (host function `send-chat`).
func (c *ScriptContext) SendChat(message string) {
	c.submit(session.Action{Kind: session.ActionChatSay, ChatSay: session.ChatSayAction{Message: message}})
}

// LoginCharacter submits a LoginCharacter action (host function
// `login-character`).
func (c *ScriptContext) LoginCharacter(account string, characterID uint32, name string) {
	c.submit(session.Action{
		Kind: session.ActionLoginCharacter,
		LoginCharacter: session.LoginCharacterAction{
			CharacterID: characterID,
			Name:        name,
			Account:     account,
		},
	})
}

// Log forwards a plugin-originated log line (host function `log`); spec
// §4.6 routes it through the same action channel as chat/login, but it's
// purely observational so it's emitted directly via slog instead of taking
// a slot a real game action would need.
func (c *ScriptContext) Log(message string) {
	c.log.Info("plugin log", "plugin", c.pluginID, "message", message)
}

func (c *ScriptContext) submit(a session.Action) {
	select {
	case c.actions <- a:
	default:
		c.log.Warn("plugin action channel full, dropping action", "plugin", c.pluginID)
	}
}

// ScheduleTimer implements host function `schedule-timer`.
func (c *ScriptContext) ScheduleTimer(delaySecs uint64, name string) uint64 {
	return c.timers.Schedule(c.eventTime, time.Duration(delaySecs)*time.Second, name)
}

// ScheduleRecurring implements host function `schedule-recurring`.
func (c *ScriptContext) ScheduleRecurring(intervalSecs uint64, name string) uint64 {
	return c.timers.ScheduleRecurring(c.eventTime, time.Duration(intervalSecs)*time.Second, name)
}

// CancelTimer implements host function `cancel-timer`.
func (c *ScriptContext) CancelTimer(id uint64) bool {
	return c.timers.Cancel(id)
}

// CheckTimer implements host function `check-timer`.
func (c *ScriptContext) CheckTimer(id uint64) bool {
	return c.timers.Check(id)
}

// GetClientState implements host function `get-client-state`.
func (c *ScriptContext) GetClientState() ClientState {
	return c.clientState.ClientState()
}

// GetEventTimeMillis implements host function `get-event-time-millis`.
func (c *ScriptContext) GetEventTimeMillis() uint64 {
	return uint64(c.eventTime.UnixMilli())
}
