// Package events normalizes raw engine output into wire envelopes and
// applies server-side filtering: internal-only events are dropped before
// persistence, and run context is narrowed to the assistant's declared
// configuration schema.
package events

import (
	"github.com/agent-protocol-go/agentserver/engine"
	"github.com/agent-protocol-go/agentserver/types"
)

// InternalTag marks an event as internal-only. Tagged events are dropped
// before they reach the durable log or any subscriber.
const InternalTag = "langsmith:nostream"

// Reserved envelope event names emitted by the server itself rather than
// translated from engine output.
const (
	// EventError carries a run failure payload.
	EventError = "error"
	// EventEnd terminates a stream. It appears exactly once per subscriber.
	EventEnd = "end"
	// EventMetadata opens a stream with run identity.
	EventMetadata = "metadata"
)

// Envelope is one normalized event as persisted and delivered to subscribers.
type Envelope struct {
	// Event names the category, typically the stream mode that produced it.
	Event string `json:"event"`
	// Data is the event payload.
	Data interface{} `json:"data"`
}

// Normalize converts a raw engine event into an envelope. The payload may be
// wrapped in a positional pair with trailing metadata; the wrapper is
// stripped so subscribers see the payload shape the mode promises.
func Normalize(raw *engine.RawEvent) *Envelope {
	payload := raw.Payload
	if pair, ok := payload.([]interface{}); ok && len(pair) == 2 {
		if _, isMeta := pair[1].(map[string]interface{}); isMeta {
			payload = pair[0]
		}
	}
	return &Envelope{Event: string(raw.Mode), Data: payload}
}

// ShouldSkip reports whether a raw event is internal-only and must not be
// streamed or persisted. The check is fail-open: any shape it does not
// recognize streams through rather than being silently swallowed.
func ShouldSkip(raw *engine.RawEvent) bool {
	if raw == nil {
		return false
	}
	if hasInternalTag(raw.Metadata) {
		return true
	}
	// messages-mode payloads arrive as a (chunk, metadata) pair; the trailing
	// metadata may carry the tag too.
	if pair, ok := raw.Payload.([]interface{}); ok && len(pair) == 2 {
		if meta, ok := pair[1].(map[string]interface{}); ok {
			return hasInternalTag(meta)
		}
	}
	return false
}

func hasInternalTag(meta map[string]interface{}) bool {
	if meta == nil {
		return false
	}
	tags, ok := meta["tags"]
	if !ok {
		return false
	}
	switch ts := tags.(type) {
	case []interface{}:
		for _, tag := range ts {
			if s, ok := tag.(string); ok && s == InternalTag {
				return true
			}
		}
	case []string:
		for _, tag := range ts {
			if tag == InternalTag {
				return true
			}
		}
	}
	return false
}

// WantMode reports whether an envelope's event belongs to one of the
// requested stream modes. Server-emitted envelopes (metadata, error, end)
// always pass.
func WantMode(event string, modes []types.StreamMode) bool {
	switch event {
	case EventMetadata, EventError, EventEnd:
		return true
	}
	for _, mode := range modes {
		if string(mode) == event {
			return true
		}
	}
	return false
}

// FilterContext narrows run context to the keys an assistant's configuration
// schema declares under "properties". A nil schema or one without properties
// passes the context through untouched. The dropped key names are returned
// for logging.
func FilterContext(schema map[string]interface{}, ctx map[string]interface{}) (map[string]interface{}, []string) {
	if len(ctx) == 0 {
		return ctx, nil
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return ctx, nil
	}

	filtered := make(map[string]interface{}, len(ctx))
	var dropped []string
	for k, v := range ctx {
		if _, declared := props[k]; declared {
			filtered[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	return filtered, dropped
}
