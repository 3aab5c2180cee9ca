package memory

// overlay buffers one transaction's writes to a table. Reads see the
// buffered writes first; commit copies them into the committed table.
type overlay[K comparable, V any] struct {
	base   map[K]V
	writes map[K]V
}

func newOverlay[K comparable, V any](base map[K]V) *overlay[K, V] {
	return &overlay[K, V]{base: base, writes: make(map[K]V)}
}

func (o *overlay[K, V]) get(k K) (V, bool) {
	if v, ok := o.writes[k]; ok {
		return v, true
	}
	v, ok := o.base[k]
	return v, ok
}

func (o *overlay[K, V]) put(k K, v V) {
	o.writes[k] = v
}

func (o *overlay[K, V]) commit() {
	for k, v := range o.writes {
		o.base[k] = v
	}
}
