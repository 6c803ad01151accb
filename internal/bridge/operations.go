package bridge

import (
	"context"
	"hash/fnv"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/telos-cog/telos/internal/handle"
	"github.com/telos-cog/telos/internal/teloserr"
	"github.com/telos-cog/telos/pkg/concept"
)

// DefaultRegistry returns handlers for the vector-symbolic-architecture
// and text-embedding operations that depend only on the Handle Table
// (vsa_bind, vsa_unbind, vsa_cleanup, embed_text). ANN- and
// federated-memory-backed operations are registered separately by
// their owning packages (internal/annindex, internal/fabric) to avoid
// a dependency cycle back into this package.
func DefaultRegistry() Registry {
	return Registry{
		concept.OpVSABind:    vsaBind,
		concept.OpVSAUnbind:  vsaUnbind,
		concept.OpVSACleanup: vsaCleanup,
		concept.OpEmbedText:  embedText,
	}
}

func readF32Vector(ctx context.Context, handles *handle.Table, h concept.SharedHandle) ([]float64, error) {
	if h.DType != concept.DTypeF32 {
		return nil, teloserr.New(teloserr.InvalidArgument, "vsa operations require f32 handles, got %s", h.DType)
	}
	v, err := handles.Map(h)
	if err != nil {
		return nil, err
	}
	defer handles.Unmap(v)
	out := make([]float64, h.ElemCount)
	for i := 0; i < h.ElemCount; i++ {
		bits := uint32(v.Bytes[4*i]) | uint32(v.Bytes[4*i+1])<<8 | uint32(v.Bytes[4*i+2])<<16 | uint32(v.Bytes[4*i+3])<<24
		out[i] = float64(math.Float32frombits(bits))
	}
	return out, nil
}

func writeF32Vector(handles *handle.Table, h concept.SharedHandle, data []float64) error {
	buf := make([]byte, h.ByteLength)
	for i, x := range data {
		bits := math.Float32bits(float32(x))
		buf[4*i] = byte(bits)
		buf[4*i+1] = byte(bits >> 8)
		buf[4*i+2] = byte(bits >> 16)
		buf[4*i+3] = byte(bits >> 24)
	}
	return handles.WriteBack(h, buf)
}

// vsaBind implements hyperdimensional binding as elementwise
// multiplication followed by renormalization, a standard real-valued
// VSA binding operator. It requires exactly two input handles and one
// output handle of matching element count.
func vsaBind(ctx context.Context, task concept.Task, handles *handle.Table) (Result, error) {
	if len(task.InputHandles) != 2 || len(task.OutputHandles) != 1 {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "vsa_bind requires 2 inputs and 1 output")}, nil
	}
	a, err := readF32Vector(ctx, handles, task.InputHandles[0])
	if err != nil {
		return Result{}, err
	}
	b, err := readF32Vector(ctx, handles, task.InputHandles[1])
	if err != nil {
		return Result{}, err
	}
	if len(a) != len(b) {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "vsa_bind input length mismatch")}, nil
	}
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] * b[i]
	}
	if n := floats.Norm(out, 2); n > 0 {
		floats.Scale(1/n, out)
	}
	if err := writeF32Vector(handles, task.OutputHandles[0], out); err != nil {
		return Result{}, err
	}
	return Result{OK: true, OutputHandles: task.OutputHandles}, nil
}

// vsaUnbind inverts vsaBind given the bound vector and one operand:
// elementwise division, guarding against division by ~0.
func vsaUnbind(ctx context.Context, task concept.Task, handles *handle.Table) (Result, error) {
	if len(task.InputHandles) != 2 || len(task.OutputHandles) != 1 {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "vsa_unbind requires 2 inputs and 1 output")}, nil
	}
	bound, err := readF32Vector(ctx, handles, task.InputHandles[0])
	if err != nil {
		return Result{}, err
	}
	operand, err := readF32Vector(ctx, handles, task.InputHandles[1])
	if err != nil {
		return Result{}, err
	}
	if len(bound) != len(operand) {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "vsa_unbind input length mismatch")}, nil
	}
	const eps = 1e-9
	out := make([]float64, len(bound))
	for i := range bound {
		d := operand[i]
		if d > -eps && d < eps {
			d = eps
		}
		out[i] = bound[i] / d
	}
	if err := writeF32Vector(handles, task.OutputHandles[0], out); err != nil {
		return Result{}, err
	}
	return Result{OK: true, OutputHandles: task.OutputHandles}, nil
}

// vsaCleanup renormalizes a possibly-noisy vector to unit length, the
// cheapest form of "cleanup memory" projection absent a prototype
// codebook lookup (which lives in the federated fabric, not here).
func vsaCleanup(ctx context.Context, task concept.Task, handles *handle.Table) (Result, error) {
	if len(task.InputHandles) != 1 || len(task.OutputHandles) != 1 {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "vsa_cleanup requires 1 input and 1 output")}, nil
	}
	v, err := readF32Vector(ctx, handles, task.InputHandles[0])
	if err != nil {
		return Result{}, err
	}
	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
	if err := writeF32Vector(handles, task.OutputHandles[0], v); err != nil {
		return Result{}, err
	}
	return Result{OK: true, OutputHandles: task.OutputHandles}, nil
}

// embedText produces a deterministic, local, non-semantic embedding
// from feature hashing. It exercises the embed_text operation tag
// end-to-end without depending on an external LLM/embedding service;
// a real text-generation client plugs in as an external collaborator
// by registering its own handler under the same tag.
func embedText(ctx context.Context, task concept.Task, handles *handle.Table) (Result, error) {
	text, _ := task.Config["text"].(string)
	if text == "" {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "embed_text requires config.text")}, nil
	}
	if len(task.OutputHandles) != 1 {
		return Result{Err: teloserr.New(teloserr.InvalidTask, "embed_text requires 1 output")}, nil
	}
	out := task.OutputHandles[0]
	vec := make([]float64, out.ElemCount)
	for i := range vec {
		h := fnv.New32a()
		h.Write([]byte(text))
		h.Write([]byte{byte(i), byte(i >> 8)})
		vec[i] = (float64(h.Sum32()%10000) / 10000.0) - 0.5
	}
	if n := floats.Norm(vec, 2); n > 0 {
		floats.Scale(1/n, vec)
	}
	if err := writeF32Vector(handles, out, vec); err != nil {
		return Result{}, err
	}
	return Result{OK: true, OutputHandles: task.OutputHandles}, nil
}
