package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"engined/internal/observability"
	"engined/pkg/types"
)

// UtilityHandler runs one utility method with msgpack-encoded arguments.
type UtilityHandler func(ctx context.Context, args msgpack.RawMessage) (any, error)

// UtilityRegistry maps utility method names to handlers. Only registered
// names can be called.
type UtilityRegistry struct {
	handlers map[string]UtilityHandler
}

func NewUtilityRegistry() *UtilityRegistry {
	return &UtilityRegistry{handlers: make(map[string]UtilityHandler)}
}

// Register installs h under name, replacing any previous handler.
func (r *UtilityRegistry) Register(name string, h UtilityHandler) { r.handlers[name] = h }

// RegisterTyped installs fn under name. Arguments are decoded into A; empty
// arguments leave A at its zero value.
func RegisterTyped[A, R any](r *UtilityRegistry, name string, fn func(context.Context, A) (R, error)) {
	r.Register(name, func(ctx context.Context, raw msgpack.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 {
			if err := msgpack.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		return fn(ctx, args)
	})
}

// Methods lists registered names in sorted order.
func (r *UtilityRegistry) Methods() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call invokes method. Panics in the handler are returned as errors.
func (r *UtilityRegistry) Call(ctx context.Context, method string, args msgpack.RawMessage) (result any, err error) {
	h, ok := r.handlers[method]
	if !ok {
		return nil, UnknownUtilityError{Method: method}
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return h(ctx, args)
}

// HandleUtility runs a utility call and builds the reply for its caller. A
// failing call is logged and reported in FailureMessage; it never stops the
// loop.
func (c *Core) HandleUtility(ctx context.Context, call types.UtilityCall) *types.EngineCoreOutputs {
	ctx, span := observability.StartSpan(ctx, "engine.utility",
		attribute.String("utility.method", call.Method),
		attribute.Int64("utility.call_id", call.CallID),
	)
	defer span.End()

	out := &types.UtilityOutput{CallID: call.CallID}
	result, err := c.utilities.Call(ctx, call.Method, call.Args)
	if err != nil {
		c.log.Error().Err(err).Str("method", call.Method).Int64("call_id", call.CallID).Msg("utility invocation failed")
		out.FailureMessage = fmt.Sprintf("Call to %s method failed: %v", call.Method, err)
		utilityCalls.WithLabelValues(call.Method, "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		c.events.Publish(Event{Name: EventUtilityFailed, EngineIndex: c.cfg.EngineIndex, Fields: map[string]any{"method": call.Method, "error": err.Error()}})
	} else {
		out.Result = result
		utilityCalls.WithLabelValues(call.Method, "ok").Inc()
	}
	return &types.EngineCoreOutputs{UtilityOutput: out}
}

func (c *Core) registerUtilities() {
	r := c.utilities
	RegisterTyped(r, "profile", func(ctx context.Context, a types.ProfileArgs) (any, error) {
		p, ok := c.executor.(Profiler)
		if !ok {
			return nil, capabilityError{"profile"}
		}
		return nil, p.Profile(ctx, a.IsStart)
	})
	RegisterTyped(r, "reset_mm_cache", func(context.Context, types.NoArgs) (any, error) {
		if c.scheduler.HasUnfinishedRequests() {
			c.log.Warn().Msg("resetting the multi-modal cache while requests are in progress may desync internal caches")
		}
		c.mmCache.Reset()
		return nil, nil
	})
	RegisterTyped(r, "reset_prefix_cache", func(context.Context, types.NoArgs) (bool, error) {
		return c.scheduler.ResetPrefixCache(), nil
	})
	RegisterTyped(r, "sleep", func(ctx context.Context, a types.SleepArgs) (any, error) {
		s, ok := c.executor.(Sleeper)
		if !ok {
			return nil, capabilityError{"sleep"}
		}
		level := a.Level
		if level == 0 {
			level = 1
		}
		return nil, s.Sleep(ctx, level)
	})
	RegisterTyped(r, "wake_up", func(ctx context.Context, a types.WakeUpArgs) (any, error) {
		s, ok := c.executor.(Sleeper)
		if !ok {
			return nil, capabilityError{"wake_up"}
		}
		return nil, s.WakeUp(ctx, a.Tags)
	})
	RegisterTyped(r, "is_sleeping", func(context.Context, types.NoArgs) (bool, error) {
		s, ok := c.executor.(Sleeper)
		return ok && s.IsSleeping(), nil
	})
	RegisterTyped(r, "execute_dummy_batch", func(ctx context.Context, _ types.NoArgs) (any, error) {
		return nil, c.ExecuteDummyBatch(ctx)
	})
	RegisterTyped(r, "add_lora", func(ctx context.Context, a types.LoRARequest) (bool, error) {
		l, ok := c.executor.(LoRAManager)
		if !ok {
			return false, capabilityError{"LoRA adapters"}
		}
		return l.AddLoRA(ctx, a)
	})
	RegisterTyped(r, "remove_lora", func(ctx context.Context, a types.LoRAIDArgs) (bool, error) {
		l, ok := c.executor.(LoRAManager)
		if !ok {
			return false, capabilityError{"LoRA adapters"}
		}
		return l.RemoveLoRA(ctx, a.LoRAID)
	})
	RegisterTyped(r, "list_loras", func(ctx context.Context, _ types.NoArgs) ([]int, error) {
		l, ok := c.executor.(LoRAManager)
		if !ok {
			return nil, capabilityError{"LoRA adapters"}
		}
		return l.ListLoRAs(ctx)
	})
	RegisterTyped(r, "pin_lora", func(ctx context.Context, a types.LoRAIDArgs) (bool, error) {
		l, ok := c.executor.(LoRAManager)
		if !ok {
			return false, capabilityError{"LoRA adapters"}
		}
		return l.PinLoRA(ctx, a.LoRAID)
	})
	RegisterTyped(r, "save_sharded_state", func(ctx context.Context, a types.SaveShardedStateArgs) (any, error) {
		s, ok := c.executor.(StateSaver)
		if !ok {
			return nil, capabilityError{"save_sharded_state"}
		}
		if a.Path == "" {
			return nil, fmt.Errorf("path is required")
		}
		return nil, s.SaveShardedState(ctx, a.Path, a.Pattern, a.MaxSize)
	})
	RegisterTyped(r, "save_tensorized_model", func(ctx context.Context, a types.SaveTensorizedModelArgs) (any, error) {
		s, ok := c.executor.(TensorizedSaver)
		if !ok {
			return nil, capabilityError{"save_tensorized_model"}
		}
		if a.TensorizerConfig.TensorizerURI == "" {
			return nil, fmt.Errorf("tensorizer_uri is required")
		}
		return nil, s.SaveTensorizedModel(ctx, a.TensorizerConfig)
	})
	RegisterTyped(r, "collective_rpc", func(ctx context.Context, a types.CollectiveRPCArgs) ([]any, error) {
		if a.Method == "" {
			return nil, fmt.Errorf("method is required")
		}
		if a.TimeoutSeconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(a.TimeoutSeconds*float64(time.Second)))
			defer cancel()
		}
		return c.executor.CollectiveRPC(ctx, a.Method, a.Args...)
	})
	RegisterTyped(r, "get_supported_tasks", func(context.Context, types.NoArgs) ([]string, error) {
		return c.executor.SupportedTasks(), nil
	})
}
