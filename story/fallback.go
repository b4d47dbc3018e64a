package story

// Fallback pairs a primary value with a secondary (base-locale) value.
// It is a transient view over two lookups; merge semantics live with the
// consumers, which decide per concrete type how the sides combine.
type Fallback[T any] struct {
	primary   *T
	secondary *T
}

// NewFallback builds a pair. Either side may be nil.
func NewFallback[T any](primary, secondary *T) Fallback[T] {
	return Fallback[T]{primary: primary, secondary: secondary}
}

// Primary returns the primary side, nil when absent.
func (f Fallback[T]) Primary() *T { return f.primary }

// Secondary returns the secondary side, nil when absent.
func (f Fallback[T]) Secondary() *T { return f.secondary }

// Unzip returns both sides.
func (f Fallback[T]) Unzip() (primary, secondary *T) {
	return f.primary, f.secondary
}

// Some reports whether at least one side is present.
func (f Fallback[T]) Some() bool {
	return f.primary != nil || f.secondary != nil
}

// Pick returns the primary side if present, else the secondary, else nil.
func (f Fallback[T]) Pick() *T {
	if f.primary != nil {
		return f.primary
	}
	return f.secondary
}

// MapFallback projects both sides through fn, keeping absence. fn may
// itself return nil to drop a side.
func MapFallback[T, U any](f Fallback[T], fn func(*T) *U) Fallback[U] {
	var out Fallback[U]
	if f.primary != nil {
		out.primary = fn(f.primary)
	}
	if f.secondary != nil {
		out.secondary = fn(f.secondary)
	}
	return out
}

// AndThen projects the sides through fn and returns the first hit,
// primary side first. Used for keyed lookups where each side is a table.
func AndThen[T, U any](f Fallback[T], fn func(*T) (U, bool)) (U, bool) {
	if f.primary != nil {
		if v, ok := fn(f.primary); ok {
			return v, true
		}
	}
	if f.secondary != nil {
		if v, ok := fn(f.secondary); ok {
			return v, true
		}
	}
	var zero U
	return zero, false
}
