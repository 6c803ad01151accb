package concept

// DType is one of the supported shared-memory element types.
type DType string

const (
	DTypeF32 DType = "f32"
	DTypeF64 DType = "f64"
	DTypeI32 DType = "i32"
	DTypeI64 DType = "i64"
	DTypeU8  DType = "u8"
)

// Sizeof returns the byte width of one element of dt, or 0 if unknown.
func (dt DType) Sizeof() int {
	switch dt {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF64, DTypeI64:
		return 8
	case DTypeU8:
		return 1
	default:
		return 0
	}
}

// SharedHandle is a capability to a shared memory segment. It carries
// no bytes itself; the backing bytes are reached through
// internal/handle's Map (a View) and WriteBack. This is the capability
// token components pass around.
//
// JSON tags mirror the msgpack wire shape so the same struct serves
// both the in-process task queue and the admin surface's JSON task
// envelope.
type SharedHandle struct {
	Name       string `json:"name" msgpack:"name"`
	ByteLength int    `json:"byte_length" msgpack:"byte_length"`
	DType      DType  `json:"dtype" msgpack:"dtype"`
	ElemCount  int    `json:"elem_count" msgpack:"elem_count"`
	OwnerToken string `json:"owner_token" msgpack:"owner_token"`
}

// Task is an opaque unit of work dispatched across the synaptic bridge.
type Task struct {
	Operation     string         `json:"operation" msgpack:"operation"`
	Config        map[string]any `json:"config" msgpack:"config"`
	InputHandles  []SharedHandle `json:"input_handles" msgpack:"input_handles"`
	OutputHandles []SharedHandle `json:"output_handles" msgpack:"output_handles"`
	DeadlineMS    int64          `json:"deadline_ms" msgpack:"deadline_ms"`
	CorrelationID string         `json:"correlation_id" msgpack:"correlation_id"`
	Priority      Priority       `json:"priority" msgpack:"priority"`
}

// Priority is a task's dispatch class.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityBatch       Priority = "batch"
)

// The closed registry of task operation tags.
const (
	OpVSABind         = "vsa_bind"
	OpVSAUnbind       = "vsa_unbind"
	OpVSACleanup      = "vsa_cleanup"
	OpANNSearch       = "ann_search"
	OpANNAdd          = "ann_add"
	OpANNUpdate       = "ann_update"
	OpANNRemove       = "ann_remove"
	OpEmbedText       = "embed_text"
	OpFederatedMemory = "federated_memory"
	OpBridgeMetrics   = "bridge_metrics"
)

var closedOperations = map[string]struct{}{
	OpVSABind: {}, OpVSAUnbind: {}, OpVSACleanup: {},
	OpANNSearch: {}, OpANNAdd: {}, OpANNUpdate: {}, OpANNRemove: {},
	OpEmbedText: {},
}

// ValidOperation reports whether op is drawn from the closed registry,
// accepting the two namespaced families (federated_memory.<action>,
// bridge_metrics.<action>) as prefixes.
func ValidOperation(op string) bool {
	if _, ok := closedOperations[op]; ok {
		return true
	}
	for _, prefix := range []string{OpFederatedMemory + ".", OpBridgeMetrics + "."} {
		if len(op) > len(prefix) && op[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
