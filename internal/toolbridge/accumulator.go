package toolbridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/roelfdiedericks/llm-routing-proxy/internal/wire"
)

// Accumulator reassembles streamed Responses-API function calls into
// complete Chat-Completions tool calls. The protocol announces a call via
// response.output_item.added (carrying call_id and name), streams its
// argument text through response.function_call_arguments.delta events,
// and finalizes with response.function_call_arguments.done. Several calls
// may be interleaved within one response; each call's deltas arrive in
// order, keyed by call_id.
type Accumulator struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
	order []string
}

type pendingCall struct {
	name string
	args strings.Builder
	done bool
}

// NewAccumulator returns an empty accumulator for one streamed response.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[string]*pendingCall)}
}

// ItemAdded records the (call_id, name) pair announced by an
// output_item.added event. The name captured here is the fallback when
// the later .done event omits it.
func (a *Accumulator) ItemAdded(callID, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensure(callID).name = name
}

// AppendArguments buffers one arguments delta. A delta for a call that
// was never announced creates the call implicitly — dropping provider
// events is worse than tolerating a missing .added.
func (a *Accumulator) AppendArguments(callID, delta string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensure(callID).args.WriteString(delta)
}

// Finish finalizes one call from a .done event. name and args fall back
// to the values captured at .added / buffered from deltas when the event
// omits them. Finalized arguments must be valid JSON.
func (a *Accumulator) Finish(callID, name, args string) (wire.ToolCall, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pc := a.ensure(callID)
	if pc.done {
		return wire.ToolCall{}, fmt.Errorf("toolbridge: duplicate arguments.done for call %q", callID)
	}
	pc.done = true

	if name == "" {
		name = pc.name
	}
	if args == "" {
		args = pc.args.String()
	}
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return wire.ToolCall{}, fmt.Errorf("toolbridge: call %q finalized with invalid JSON arguments: %.80q", callID, args)
	}
	return wire.ToolCall{ID: callID, Name: name, Arguments: args}, nil
}

// Unfinished returns, in announcement order, every announced call that was
// never finalized, whether or not it saw deltas, and marks each one done;
// empty or invalid arguments become "{}". The Codex stream flushes these on
// response.completed when the provider ends the response without
// finalizing — a protocol violation the client shouldn't have to pay for
// with lost calls.
func (a *Accumulator) Unfinished() []wire.ToolCall {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []wire.ToolCall
	for _, id := range a.order {
		pc := a.calls[id]
		if pc.done {
			continue
		}
		pc.done = true
		args := pc.args.String()
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		out = append(out, wire.ToolCall{ID: id, Name: pc.name, Arguments: args})
	}
	return out
}

func (a *Accumulator) ensure(callID string) *pendingCall {
	pc := a.calls[callID]
	if pc == nil {
		pc = &pendingCall{}
		a.calls[callID] = pc
		a.order = append(a.order, callID)
	}
	return pc
}
