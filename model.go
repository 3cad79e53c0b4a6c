package foldstream

import "fmt"

// normalizeEvents converts a handler's return value into the canonical
// event list. Accepted shapes are a single Emitted, a []Emitted, and
// nil for "no events"; anything else is a handler bug reported as
// EventMalformedError. Each event must name a registered type and its
// payload must pass that type's schema.
func normalizeEvents(reg *Registry, command string, ret any) ([]Emitted, error) {
	var events []Emitted

	switch v := ret.(type) {
	case nil:
	case Emitted:
		events = []Emitted{v}
	case *Emitted:
		if v != nil {
			events = []Emitted{*v}
		}
	case []Emitted:
		events = v
	default:
		return nil, &EventMalformedError{
			Command: command,
			Reason:  fmt.Sprintf("handler returned %T, want Emitted, []Emitted or nil", ret),
		}
	}

	for i, ev := range events {
		if ev.Type == "" {
			return nil, &EventMalformedError{
				Command: command,
				Reason:  fmt.Sprintf("event %d has no type", i),
			}
		}
		resolved, ok := reg.Event(ev.Type)
		if !ok {
			return nil, &EventMalformedError{
				Command: command,
				Reason:  fmt.Sprintf("event type %q is not registered", ev.Type),
			}
		}
		if resolved.EventConfig.Command != command {
			return nil, &EventMalformedError{
				Command: command,
				Reason:  fmt.Sprintf("event type %q belongs to command %q", ev.Type, resolved.EventConfig.Command),
			}
		}
		if ok, explain := validateSchema(resolved.Schema, ev.Data); !ok {
			return nil, &EventMalformedError{
				Command: command,
				Reason:  fmt.Sprintf("event %q payload failed validation", ev.Type),
				Explain: explain,
			}
		}
	}
	return events, nil
}
