package statemachine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/luomaohao/agentRun/internal/core"
	"github.com/luomaohao/agentRun/internal/logger"
	"github.com/luomaohao/agentRun/internal/logger/tag"
	"github.com/luomaohao/agentRun/internal/runtime/executor"
)

// Action scopes, used in synthetic node ids and abort payloads.
const (
	scopeEnter      = "on_enter"
	scopeExit       = "on_exit"
	scopeTransition = "transition"
)

// defaultTimerEvent is dispatched when a started timer fires and the action
// names no event of its own.
const defaultTimerEvent = "timer.fired"

// runActions executes a state's or transition's actions in declaration
// order against the given instance. The first failure stops the run; the
// caller decides whether that aborts a transition or merely surfaces.
func (e *Engine) runActions(ctx context.Context, inst *core.Instance, actions []*core.Action, scope string) error {
	for i, action := range actions {
		if err := ctx.Err(); err != nil {
			return core.NewError(core.ErrKindCancelled, "action run cancelled").Wrap(err)
		}
		if err := e.runAction(ctx, inst, action, scope, i); err != nil {
			return fmt.Errorf("%s action %d (%s): %w", scope, i, action.Type, err)
		}
	}
	return nil
}

func (e *Engine) runAction(ctx context.Context, inst *core.Instance, action *core.Action, scope string, index int) error {
	switch action.Type {
	case core.ActionLog:
		return e.actionLog(ctx, inst, action.Config)
	case core.ActionSetContext:
		return actionSetContext(inst, action.Config)
	case core.ActionEmitEvent:
		return e.actionEmitEvent(ctx, inst, action.Config)
	case core.ActionInvokeAgent, core.ActionInvokeTool:
		return e.actionInvoke(ctx, inst, action, scope, index)
	case core.ActionTimerStart:
		return e.actionTimerStart(ctx, inst, action.Config)
	case core.ActionTimerCancel:
		return e.actionTimerCancel(inst.ID, action.Config)
	default:
		return core.NewError(core.ErrKindValidation, "unknown action type %q", action.Type)
	}
}

type logActionConfig struct {
	Message string `mapstructure:"message"`
	Level   string `mapstructure:"level"`
}

func (e *Engine) actionLog(ctx context.Context, inst *core.Instance, config map[string]any) error {
	var cfg logActionConfig
	if err := decodeActionConfig(config, &cfg); err != nil {
		return err
	}
	tags := []any{tag.Instance(inst.ID), tag.State(inst.CurrentState)}
	switch cfg.Level {
	case "debug":
		logger.Debug(ctx, cfg.Message, tags...)
	case "warn":
		logger.Warn(ctx, cfg.Message, tags...)
	case "error":
		logger.Error(ctx, cfg.Message, tags...)
	default:
		logger.Info(ctx, cfg.Message, tags...)
	}
	return nil
}

type setContextConfig struct {
	Key   string `mapstructure:"key"`
	Value any    `mapstructure:"value"`
}

func actionSetContext(inst *core.Instance, config map[string]any) error {
	var cfg setContextConfig
	if err := decodeActionConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Key == "" {
		return core.NewError(core.ErrKindValidation, "set_context requires config.key")
	}
	inst.Context[cfg.Key] = cfg.Value
	return nil
}

type emitEventConfig struct {
	Event   string         `mapstructure:"event"`
	Payload map[string]any `mapstructure:"payload"`
}

func (e *Engine) actionEmitEvent(ctx context.Context, inst *core.Instance, config map[string]any) error {
	var cfg emitEventConfig
	if err := decodeActionConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.Event == "" {
		return core.NewError(core.ErrKindValidation, "emit_event requires config.event")
	}
	e.emitter.Emit(ctx, core.NewEvent(inst.ID, core.EventType(cfg.Event)).WithPayload(cfg.Payload))
	return nil
}

type invokeActionConfig struct {
	Input     map[string]any `mapstructure:"input"`
	OutputKey string         `mapstructure:"output_key"`
}

// actionInvoke routes invoke_agent and invoke_tool actions through the same
// executor registry DAG nodes use. The action config doubles as the node
// config, so agent_id / tool_id / params land where the executors expect
// them. When output_key is set, the result is written into the instance
// context under that key.
func (e *Engine) actionInvoke(ctx context.Context, inst *core.Instance, action *core.Action, scope string, index int) error {
	var cfg invokeActionConfig
	if err := decodeActionConfig(action.Config, &cfg); err != nil {
		return err
	}
	kind := core.NodeAgent
	if action.Type == core.ActionInvokeTool {
		kind = core.NodeTool
	}
	node := &core.Node{
		ID:     fmt.Sprintf("%s/%s[%d]", inst.CurrentState, scope, index),
		Kind:   kind,
		Config: action.Config,
	}
	output, err := e.registry.Execute(ctx, executor.Request{
		ExecutionID: inst.ID,
		Node:        node,
		Input:       resolveInvokeInput(cfg.Input, inst.Context),
		Meta:        map[string]any{"instance_id": inst.ID, "state": inst.CurrentState},
	})
	if err != nil {
		return err
	}
	if cfg.OutputKey != "" {
		inst.Context[cfg.OutputKey] = output
	}
	return nil
}

type timerStartConfig struct {
	TimerID  string        `mapstructure:"timer_id"`
	Duration time.Duration `mapstructure:"duration"`
	Event    string        `mapstructure:"event"`
}

// actionTimerStart schedules a future self-dispatched event. Starting a
// timer id that is already pending resets it. The timer dispatches with a
// background context: the triggering event's context is long gone when the
// timer fires.
func (e *Engine) actionTimerStart(ctx context.Context, inst *core.Instance, config map[string]any) error {
	var cfg timerStartConfig
	if err := decodeActionConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.TimerID == "" {
		return core.NewError(core.ErrKindValidation, "timer_start requires config.timer_id")
	}
	if cfg.Duration <= 0 {
		return core.NewError(core.ErrKindValidation, "timer_start requires a positive duration")
	}
	event := cfg.Event
	if event == "" {
		event = defaultTimerEvent
	}

	instanceID, timerID := inst.ID, cfg.TimerID
	timer := time.AfterFunc(cfg.Duration, func() {
		e.clearTimer(instanceID, timerID)
		fireCtx := context.Background()
		if _, err := e.ProcessEvent(fireCtx, instanceID, event, map[string]any{"timer_id": timerID}); err != nil {
			logger.Error(fireCtx, "Timer event dispatch failed",
				tag.Instance(instanceID),
				tag.Event(event),
				tag.Error(err),
			)
		}
	})

	e.mu.Lock()
	if e.timers[instanceID] == nil {
		e.timers[instanceID] = map[string]*time.Timer{}
	}
	if prev, ok := e.timers[instanceID][timerID]; ok {
		prev.Stop()
	}
	e.timers[instanceID][timerID] = timer
	e.mu.Unlock()

	logger.Debug(ctx, "Timer started",
		tag.Instance(instanceID),
		tag.Event(event),
		tag.Duration(cfg.Duration),
		"timerId", timerID,
	)
	return nil
}

type timerCancelConfig struct {
	TimerID string `mapstructure:"timer_id"`
}

// actionTimerCancel stops a pending timer. Cancelling an unknown or already
// fired timer is a no-op, not an error.
func (e *Engine) actionTimerCancel(instanceID string, config map[string]any) error {
	var cfg timerCancelConfig
	if err := decodeActionConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.TimerID == "" {
		return core.NewError(core.ErrKindValidation, "timer_cancel requires config.timer_id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.timers[instanceID][cfg.TimerID]; ok {
		timer.Stop()
		delete(e.timers[instanceID], cfg.TimerID)
	}
	return nil
}

func (e *Engine) clearTimer(instanceID, timerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.timers[instanceID], timerID)
}

// cancelTimers stops every pending timer of a finished instance.
func (e *Engine) cancelTimers(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, timer := range e.timers[instanceID] {
		timer.Stop()
	}
	delete(e.timers, instanceID)
}

// resolveInvokeInput fills string placeholders of the form $ctx.<key> from
// the instance context. Other values pass through untouched.
func resolveInvokeInput(input, context map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for field, v := range input {
		if s, ok := v.(string); ok {
			if key, found := strings.CutPrefix(s, "$ctx."); found {
				out[field] = context[key]
				continue
			}
		}
		out[field] = v
	}
	return out
}

func decodeActionConfig(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return core.NewError(core.ErrKindInternal, "action config decoder: %s", err)
	}
	if err := dec.Decode(config); err != nil {
		return core.NewError(core.ErrKindValidation, "invalid action config: %s", err).Wrap(err)
	}
	return nil
}
