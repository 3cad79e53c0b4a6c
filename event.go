package foldstream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/foldstream/foldstream/eventlog"
)

// EventMeta is the per-event metadata assigned by the event log during
// append: a timestamp in Unix milliseconds and the event's version
// within its aggregate stream.
type EventMeta = eventlog.Meta

// Emitted is an event as returned by a command handler: a type name and
// a payload, before the log has assigned any metadata. Handlers return
// a single Emitted, a []Emitted, or nil for "no events".
type Emitted struct {
	// Type is the registered event name.
	Type string

	// Data is the event payload.
	Data map[string]any
}

// Event is a persisted event with its metadata.
type Event struct {
	// Type is the registered event name.
	Type string

	// Data is the event payload.
	Data map[string]any

	// Meta is assigned by the event log during append.
	Meta EventMeta
}

// BuildStreamID constructs the full stream id for an aggregate
// instance: "<app>:<aggregate>:<id>". Each component is stringified
// deterministically; namespaced names ("ns/name") render as "ns.name".
func BuildStreamID(app, aggregate string, id any) string {
	return normalizeName(app) + ":" + normalizeName(aggregate) + ":" + FormatID(id)
}

// FormatID renders an aggregate id deterministically. Strings are used
// verbatim, integers in base 10, floats in their shortest form, and
// fmt.Stringer values through String(). Anything else falls back to
// fmt.Sprintf("%v").
func FormatID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func normalizeName(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}
