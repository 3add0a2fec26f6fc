package tool

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/calunsford/sidenote/pkg/errors"
)

// Names of the two meta-tools that are always part of the core tier.
const (
	MetaListIntents  = "list_available_intents"
	MetaRequestTools = "request_tools"
)

// Broker manages tool definitions and advertises them in tiers: the core
// set is always offered to the model, extended tools only after the model
// requests their intent via a meta-tool.
type Broker struct {
	mu    sync.RWMutex
	tools map[string]Definition
	order []string
}

// NewBroker creates a broker pre-populated with the two meta-tools.
func NewBroker() *Broker {
	b := &Broker{tools: make(map[string]Definition)}
	b.registerMetaTools()
	return b
}

// Register adds a tool definition.
// Returns an error if a tool with the same name already exists.
func (b *Broker) Register(def Definition) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if def.Name == "" {
		return errors.New(errors.ErrCodeInvalidInput, "tool name cannot be empty")
	}
	if _, exists := b.tools[def.Name]; exists {
		return errors.New(errors.ErrCodeInvalidInput, "tool already registered").
			WithContext("tool", def.Name)
	}

	b.tools[def.Name] = def
	b.order = append(b.order, def.Name)
	return nil
}

// MustRegister adds a tool definition and panics on error.
// Use this for static tool definitions at startup.
func (b *Broker) MustRegister(def Definition) {
	if err := b.Register(def); err != nil {
		panic(err)
	}
}

// Resolve looks up a tool by name.
func (b *Broker) Resolve(name string) (Definition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	def, ok := b.tools[name]
	if !ok {
		return Definition{}, errors.New(errors.ErrCodeToolNotFound, "unknown tool").
			WithContext("tool", name)
	}
	return def, nil
}

// CoreTools returns the always-advertised set, in registration order.
func (b *Broker) CoreTools() []Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	defs := make([]Definition, 0, len(b.order))
	for _, name := range b.order {
		if def := b.tools[name]; def.Tier == TierCore {
			defs = append(defs, def)
		}
	}
	return defs
}

// ToolsForIntent returns the extended tools tagged with the given intent,
// in registration order.
func (b *Broker) ToolsForIntent(intent string) []Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var defs []Definition
	for _, name := range b.order {
		def := b.tools[name]
		if def.Tier != TierExtended {
			continue
		}
		for _, tag := range def.Intents {
			if tag == intent {
				defs = append(defs, def)
				break
			}
		}
	}
	return defs
}

// Intents returns the sorted set of intent tags across extended tools.
func (b *Broker) Intents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, def := range b.tools {
		if def.Tier != TierExtended {
			continue
		}
		for _, tag := range def.Intents {
			seen[tag] = struct{}{}
		}
	}
	intents := make([]string, 0, len(seen))
	for tag := range seen {
		intents = append(intents, tag)
	}
	sort.Strings(intents)
	return intents
}

// All returns every registered definition, in registration order.
func (b *Broker) All() []Definition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	defs := make([]Definition, 0, len(b.order))
	for _, name := range b.order {
		defs = append(defs, b.tools[name])
	}
	return defs
}

// ToOpenAIFormat converts a definition list to OpenAI function calling
// format, suitable for a chat request's tool list.
func ToOpenAIFormat(defs []Definition) []map[string]any {
	tools := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, def.ToOpenAIFormat())
	}
	return tools
}

// requestToolsArgs is the argument contract of the request_tools meta-tool.
type requestToolsArgs struct {
	Intent string `json:"intent"`
}

// ParseRequestedIntent extracts the intent from a request_tools call's
// arguments. The orchestration loop uses this to extend the next round's
// advertised set.
func ParseRequestedIntent(args json.RawMessage) (string, error) {
	var parsed requestToolsArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request_tools arguments")
	}
	if parsed.Intent == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "request_tools requires an intent")
	}
	return parsed.Intent, nil
}

// registerMetaTools installs list_available_intents and request_tools.
// Both are core-tier and sync: they only read broker state.
//
// request_tools takes effect starting the next round. The current round
// cannot retroactively add tools because the model has already committed
// to a response.
func (b *Broker) registerMetaTools() {
	b.MustRegister(Definition{
		Name:        MetaListIntents,
		Description: "List the intent tags that unlock additional document tools. Call request_tools with one of these to use those tools next round.",
		Parameters:  ObjectSchema(nil),
		Tier:        TierCore,
		Mode:        ModeSync,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]any{"intents": b.Intents()}, nil
		},
	})

	b.MustRegister(Definition{
		Name:        MetaRequestTools,
		Description: "Request the extended tools for an intent. The tools become available on your next response, not this one.",
		Parameters: ObjectSchema(map[string]Property{
			"intent": StringProperty("Intent tag from list_available_intents"),
		}, "intent"),
		Tier: TierCore,
		Mode: ModeSync,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			intent, err := ParseRequestedIntent(args)
			if err != nil {
				return nil, err
			}
			defs := b.ToolsForIntent(intent)
			if len(defs) == 0 {
				return nil, errors.New(errors.ErrCodeToolNotFound, "no tools for intent").
					WithContext("intent", intent)
			}
			names := make([]string, len(defs))
			for i, def := range defs {
				names[i] = def.Name
			}
			return map[string]any{
				"intent":             intent,
				"tools":              names,
				"available_starting": "next_round",
			}, nil
		},
	})
}
