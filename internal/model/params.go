// Package model holds the parameter containers exchanged during a federated
// run, the coordinator-side optimizer and learning-rate schedule, and the
// built-in regression task used for local training and validation.
package model

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

// Tensor is a named parameter's value: a dense row-major array.
type Tensor struct {
	Shape []int     `msgpack:"shape" cbor:"1,keyasint"`
	Data  []float64 `msgpack:"data" cbor:"2,keyasint"`
}

// NewTensor returns a zero tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, n)}
}

// Clone returns a deep copy of t.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Params maps parameter names to tensors.
type Params map[string]Tensor

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for name, t := range p {
		out[name] = t.Clone()
	}
	return out
}

// ZerosLike returns zero tensors shaped like p.
func ZerosLike(p Params) Params {
	out := make(Params, len(p))
	for name, t := range p {
		out[name] = NewTensor(t.Shape...)
	}
	return out
}

// Size returns the total number of scalars in p.
func (p Params) Size() int {
	n := 0
	for _, t := range p {
		n += len(t.Data)
	}
	return n
}

// CheckShape returns ErrShapeMismatch unless q has exactly the names and
// shapes of p.
func (p Params) CheckShape(q Params) error {
	if len(p) != len(q) {
		return ferrors.ErrShapeMismatch.GenWithStackByArgs("*", p.Names(), q.Names())
	}
	for name, t := range p {
		u, ok := q[name]
		if !ok {
			return ferrors.ErrShapeMismatch.GenWithStackByArgs(name, t.Shape, "missing")
		}
		if !slices.Equal(t.Shape, u.Shape) || len(t.Data) != len(u.Data) {
			return ferrors.ErrShapeMismatch.GenWithStackByArgs(name, t.Shape, u.Shape)
		}
	}
	return nil
}

// Sub returns p - q.
func (p Params) Sub(q Params) (Params, error) {
	if err := p.CheckShape(q); err != nil {
		return nil, err
	}
	out := p.Clone()
	for name, t := range out {
		floats.Sub(t.Data, q[name].Data)
	}
	return out, nil
}

// AddScaled adds alpha*q to p in place.
func (p Params) AddScaled(alpha float64, q Params) error {
	if err := p.CheckShape(q); err != nil {
		return err
	}
	for name, t := range p {
		floats.AddScaled(t.Data, alpha, q[name].Data)
	}
	return nil
}

// Scale multiplies p by c in place.
func (p Params) Scale(c float64) {
	for _, t := range p {
		floats.Scale(c, t.Data)
	}
}

// Norm returns the L2 norm of p taken over every scalar.
func (p Params) Norm() float64 {
	sum := 0.0
	for _, t := range p {
		n := floats.Norm(t.Data, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// Flatten concatenates the tensors of p in name order.
func (p Params) Flatten() []float64 {
	out := make([]float64, 0, p.Size())
	for _, name := range p.Names() {
		out = append(out, p[name].Data...)
	}
	return out
}

// Unflatten is the inverse of Flatten: it returns params shaped like p
// holding the values of flat.
func (p Params) Unflatten(flat []float64) (Params, error) {
	if len(flat) != p.Size() {
		return nil, ferrors.ErrShapeMismatch.GenWithStackByArgs("*", p.Size(), len(flat))
	}
	out := make(Params, len(p))
	off := 0
	for _, name := range p.Names() {
		t := p[name]
		out[name] = Tensor{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), flat[off:off+len(t.Data)]...),
		}
		off += len(t.Data)
	}
	return out, nil
}

// IsFinite reports whether every scalar of p is a finite number.
func (p Params) IsFinite() bool {
	for _, t := range p {
		for _, v := range t.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// String implements fmt.Stringer with a compact summary.
func (p Params) String() string {
	return fmt.Sprintf("Params{%d tensors, %d scalars, norm=%.4g}", len(p), p.Size(), p.Norm())
}
