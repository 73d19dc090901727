package calc

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"spectracam/internal/frame"
)

// ErrNoResult wraps every evaluation failure.
var ErrNoResult = errors.New("calc: no result")

// Lookup resolves a wavelength to a frame. The frame is borrowed: the
// evaluator reads it but never releases it.
type Lookup func(wavelength int) (*frame.Frame, bool)

// matrix is a float32 temporary. A scalar matrix is 1x1 and broadcasts.
type matrix struct {
	w, h   int
	scalar bool
	data   []float32
}

// Evaluator runs compiled expressions. It is safe for concurrent use.
type Evaluator struct {
	pool    frame.Pool
	scratch sync.Pool
	live    atomic.Int64
}

func NewEvaluator(pool frame.Pool) *Evaluator {
	if pool == nil {
		pool = frame.Shared
	}
	return &Evaluator{pool: pool}
}

// Live reports temporaries that are currently allocated.
func (e *Evaluator) Live() int64 {
	return e.live.Load()
}

// Evaluate compiles and runs expr.
func (e *Evaluator) Evaluate(expr string, lookup Lookup) (*frame.Frame, error) {
	x, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return e.Run(x, lookup)
}

// Run evaluates x and returns a pool-wrapped 8-bit frame owned by the
// caller. On failure nothing is returned and every temporary is released.
func (e *Evaluator) Run(x *Expression, lookup Lookup) (*frame.Frame, error) {
	var stack []*matrix
	defer func() {
		for _, m := range stack {
			e.free(m)
		}
	}()

	for _, tok := range x.postfix {
		switch tok.kind {
		case tokOperand:
			src, ok := lookup(tok.ref)
			if !ok || src == nil {
				return nil, fmt.Errorf("%w: no frame for operand %d", ErrNoResult, tok.ref)
			}
			m, err := e.fromFrame(src)
			if err != nil {
				return nil, fmt.Errorf("%w: operand %d: %v", ErrNoResult, tok.ref, err)
			}
			stack = append(stack, m)
		case tokScalar:
			m := e.alloc(1, 1)
			m.scalar = true
			m.data[0] = tok.scalar
			stack = append(stack, m)
		case tokOperator:
			if len(stack) < 2 {
				return nil, fmt.Errorf("%w: operator %q needs two operands", ErrNoResult, tok.op)
			}
			rhs := stack[len(stack)-1]
			lhs := stack[len(stack)-2]
			stack = stack[:len(stack)-2]
			res, err := e.apply(tok.op, lhs, rhs)
			e.free(lhs)
			e.free(rhs)
			if err != nil {
				return nil, err
			}
			stack = append(stack, res)
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("%w: %d values left on the stack", ErrNoResult, len(stack))
	}
	if stack[0].scalar {
		return nil, fmt.Errorf("%w: expression does not reference any image", ErrNoResult)
	}
	return e.toFrame(stack[0])
}

func (e *Evaluator) alloc(w, h int) *matrix {
	n := w * h
	var data []float32
	if v := e.scratch.Get(); v != nil {
		buf := *(v.(*[]float32))
		if cap(buf) >= n {
			data = buf[:n]
		}
	}
	if data == nil {
		data = make([]float32, n)
	}
	e.live.Add(1)
	return &matrix{w: w, h: h, data: data}
}

func (e *Evaluator) free(m *matrix) {
	if m == nil || m.data == nil {
		return
	}
	data := m.data[:0]
	m.data = nil
	e.scratch.Put(&data)
	e.live.Add(-1)
}

func (e *Evaluator) fromFrame(f *frame.Frame) (*matrix, error) {
	if f.Released() {
		return nil, frame.ErrReleased
	}
	m := e.alloc(f.Width(), f.Height())
	for y := 0; y < f.Height(); y++ {
		dst := m.data[y*m.w : (y+1)*m.w]
		for x, v := range f.Row(y) {
			dst[x] = float32(v)
		}
	}
	return m, nil
}

func (e *Evaluator) toFrame(m *matrix) (*frame.Frame, error) {
	out, err := frame.Rent(e.pool, m.w, m.h)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	dst := out.Bytes()
	for i, v := range m.data {
		dst[i] = toByte(v)
	}
	return out, nil
}

func (e *Evaluator) apply(op byte, lhs, rhs *matrix) (*matrix, error) {
	fn, ok := operators[op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operator %q", ErrNoResult, op)
	}
	if !lhs.scalar && !rhs.scalar && (lhs.w != rhs.w || lhs.h != rhs.h) {
		return nil, fmt.Errorf("%w: size mismatch %dx%d vs %dx%d", ErrNoResult, lhs.w, lhs.h, rhs.w, rhs.h)
	}

	shape := lhs
	if lhs.scalar {
		shape = rhs
	}
	out := e.alloc(shape.w, shape.h)
	out.scalar = lhs.scalar && rhs.scalar
	for i := range out.data {
		a := lhs.data[0]
		if !lhs.scalar {
			a = lhs.data[i]
		}
		b := rhs.data[0]
		if !rhs.scalar {
			b = rhs.data[i]
		}
		out.data[i] = fn(a, b)
	}
	return out, nil
}

var operators = map[byte]func(a, b float32) float32{
	'+': func(a, b float32) float32 { return clampFloat(a + b) },
	'-': func(a, b float32) float32 { return clampFloat(a - b) },
	'|': func(a, b float32) float32 { return float32(math.Abs(float64(a - b))) },
	'*': func(a, b float32) float32 { return clampFloat(a * b) },
	'/': func(a, b float32) float32 {
		if b == 0 {
			return 0
		}
		return clampFloat(a / b)
	},
	'&': func(a, b float32) float32 { return 0.5*a + 0.5*b },
}

func clampFloat(v float32) float32 {
	switch {
	case v > math.MaxFloat32:
		return math.MaxFloat32
	case v < -math.MaxFloat32:
		return -math.MaxFloat32
	}
	return v
}

func toByte(v float32) byte {
	if v != v {
		return 0
	}
	r := math.RoundToEven(float64(v))
	if r < 0 {
		return 0
	}
	if r > 255 {
		return 255
	}
	return byte(r)
}
