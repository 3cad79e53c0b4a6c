// Package msgpack provides a MessagePack codec for foldstream event
// logs.
//
// MessagePack is a binary serialization format that produces smaller
// payloads than JSON while keeping the same schemaless flexibility,
// which suits the map-shaped events foldstream stores. Wire it into a
// backend through its codec option:
//
//	log, err := redis.Open(redis.Options{
//		URL:   "redis://localhost:6379",
//		Codec: msgpack.Codec{},
//	})
package msgpack

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/foldstream/foldstream/eventlog"
)

// Ensure Codec implements the contract.
var _ eventlog.Codec = Codec{}

// Codec encodes values as MessagePack.
type Codec struct{}

// Marshal encodes v as MessagePack.
func (Codec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes MessagePack data into v.
func (Codec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
