package signal

import (
	"context"
	"iter"
	"reflect"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pverr"
	"github.com/ophyd-epics-devices/epicsdev/pkg/status"
)

// AnyReading is a Reading with the value type erased.
type AnyReading struct {
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp"`
	Alarm     string  `json:"alarm,omitempty"`
}

// Descriptor describes a signal for event-model descriptor documents.
type Descriptor struct {
	Source string `json:"source"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`

	// External marks data written elsewhere, e.g. "STREAM:" for frames
	// delivered through stream documents.
	External string `json:"external,omitempty"`
}

// Any is the type-erased view of a Signal used by device composition.
type Any interface {
	Name() string
	SetName(name string)
	Access() Access
	Source() string
	Connect(ctx context.Context) error
	ReadAny(ctx context.Context) (AnyReading, error)
	ObserveAny(ctx context.Context) iter.Seq2[AnyReading, error]
	SetAny(ctx context.Context, v any) *status.Status
	Describe() Descriptor
}

var _ Any = (*Signal[float64])(nil)

// ReadAny reads the signal and erases the value type.
func (s *Signal[T]) ReadAny(ctx context.Context) (AnyReading, error) {
	r, err := s.Read(ctx)
	if err != nil {
		return AnyReading{}, err
	}
	return r.erase(), nil
}

// ObserveAny is Observe with the value type erased.
func (s *Signal[T]) ObserveAny(ctx context.Context) iter.Seq2[AnyReading, error] {
	return func(yield func(AnyReading, error) bool) {
		for r, err := range s.Observe(ctx) {
			if err != nil {
				if !yield(AnyReading{}, err) {
					return
				}
				continue
			}
			if !yield(r.erase(), nil) {
				return
			}
		}
	}
}

func (r Reading[T]) erase() AnyReading {
	ar := AnyReading{Value: r.Value, Timestamp: r.Timestamp.Float()}
	if !r.Alarm.OK() {
		ar.Alarm = r.Alarm.String()
	}
	return ar
}

// SetAny coerces v to the signal type and sets it. A value that cannot be
// coerced yields a failed status.
func (s *Signal[T]) SetAny(ctx context.Context, v any) *status.Status {
	x, err := s.codec.Coerce(v)
	if err != nil {
		return status.Failed(s.Name()+" set", pverr.WriteRejected(s.Source(), "%w", err))
	}
	return s.Set(ctx, x)
}

// Describe returns the descriptor of the signal. Array shapes are reported
// from the cached reading when there is one.
func (s *Signal[T]) Describe() Descriptor {
	d := Descriptor{Source: s.Source(), DType: s.codec.DType(), Shape: []int{}}
	if d.DType == "array" {
		if r, ok := s.Cached(); ok {
			d.Shape = []int{lenOf(r.Value)}
		}
	}
	return d
}

func lenOf(v any) int {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return 0
	}
	return rv.Len()
}
