// Package etw models the host tracing channel the agent emits on. The
// provider identifier and the event shapes below are the wire contract;
// downstream decoders depend on both.
package etw

import (
	"fmt"

	"github.com/google/uuid"
)

// ProviderID is the fixed 128-bit provider identifier. It follows
// EventSource naming conventions for the provider name, so session
// controllers can enable it by name.
var ProviderID = uuid.MustParse("6652970f-1756-5d8d-0805-e9aad152aa84")

// Keyword is a bit in the 64-bit match-any mask listeners use to select
// event families at subscribe time.
type Keyword uint64

const (
	KeywordGC              Keyword = 0x1
	KeywordCall            Keyword = 0x2
	KeywordGCAlloc         Keyword = 0x4
	KeywordGCAllocSampled  Keyword = 0x8
	KeywordGCHeap          Keyword = 0x10
	KeywordDisableInlining Keyword = 0x20
	KeywordCallSampled     Keyword = 0x40
	KeywordDetach          Keyword = 0x80
)

// Any reports whether any of the bits in mask are set on k.
func (k Keyword) Any(mask Keyword) bool { return k&mask != 0 }

var keywordNames = []struct {
	bit  Keyword
	name string
}{
	{KeywordGC, "gc"},
	{KeywordCall, "call"},
	{KeywordGCAlloc, "gcalloc"},
	{KeywordGCAllocSampled, "gcallocsampled"},
	{KeywordGCHeap, "gcheap"},
	{KeywordDisableInlining, "disableinlining"},
	{KeywordCallSampled, "callsampled"},
	{KeywordDetach, "detach"},
}

// String renders the set bits as a +-joined list, for logs.
func (k Keyword) String() string {
	if k == 0 {
		return "none"
	}
	var b []byte
	for _, kn := range keywordNames {
		if k&kn.bit == 0 {
			continue
		}
		if len(b) > 0 {
			b = append(b, '+')
		}
		b = append(b, kn.name...)
		k &^= kn.bit
	}
	if k != 0 {
		if len(b) > 0 {
			b = append(b, '+')
		}
		b = append(b, fmt.Sprintf("0x%x", uint64(k))...)
	}
	return string(b)
}

// Command is the control code delivered by the tracing session.
type Command int

const (
	CommandDisable Command = iota
	CommandEnable
	CommandCaptureState
)

// ControlRequest is delivered to the provider's control callback when a
// tracing session changes the provider's enablement.
type ControlRequest struct {
	Command          Command
	Level            uint8
	MatchAnyKeywords Keyword
	Filter           []byte
}

// ControlCallback receives session control requests. It runs on the tracing
// stack's thread.
type ControlCallback func(ControlRequest)

// Channel is the host tracing facility. Registering yields the Emitter the
// provider writes events through.
type Channel interface {
	Register(provider uuid.UUID, cb ControlCallback) (Emitter, error)
	Unregister() error
}

// MaxEventPayload is the per-event payload budget, with headroom for the
// channel's own header fields.
const MaxEventPayload = 0xFD00

// Per-record payload sizes for the chunked array events: each record is the
// ids and lengths a single range or reference contributes.
const (
	MovedRecordSize     = 2*8 + 4 // old start, new start, length
	SurvivedRecordSize  = 8 + 4   // start, length
	RootRecordSize      = 2*8 + 2*4
	ObjectRefRecordSize = 8
)
