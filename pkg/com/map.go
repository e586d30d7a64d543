// Package com contains small shared containers and identifiers.
package com

import (
	"errors"
	"sync"
)

// Map defines a concurrent-safe map structure.
type Map[K comparable, V any] struct {
	m  map[K]V
	mu sync.Mutex
}

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

func NewMap[K comparable, V any]() *Map[K, V] { return &Map[K, V]{m: make(map[K]V, 10)} }

func (m *Map[K, _]) Has(key K) bool { _, err := m.Find(key); return err == nil }
func (m *Map[_, _]) IsEmpty() bool  { return m.Len() == 0 }
func (m *Map[_, _]) Len() int       { m.mu.Lock(); defer m.mu.Unlock(); return len(m.m) }
func (m *Map[K, V]) Put(key K, v V) { m.mu.Lock(); m.m[key] = v; m.mu.Unlock() }

// Add puts the value only when the key is free,
// returns ErrExists otherwise.
func (m *Map[K, V]) Add(key K, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.m[key]; ok {
		return ErrExists
	}
	m.m[key] = v
	return nil
}

// Find searches for the value by a specified key,
// returns ErrNotFound otherwise.
func (m *Map[K, V]) Find(key K) (v V, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.m[key]; ok {
		return c, nil
	}
	return v, ErrNotFound
}

// Pop removes the value from the map and returns it.
func (m *Map[K, V]) Pop(key K) (v V, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	if !ok {
		return v, ErrNotFound
	}
	delete(m.m, key)
	return v, nil
}

// FindBy searches the first value with the provided predicate function.
func (m *Map[K, V]) FindBy(fn func(v V) bool) (v V, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.m {
		if fn(w) {
			return w, nil
		}
	}
	return v, ErrNotFound
}

// ForEach processes every element with the provided callback function.
// The callback must not call back into the map.
func (m *Map[K, V]) ForEach(fn func(v V)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.m {
		fn(w)
	}
}

// Values returns a copy of the values, safe to use without the lock.
func (m *Map[K, V]) Values() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	vv := make([]V, 0, len(m.m))
	for _, v := range m.m {
		vv = append(vv, v)
	}
	return vv
}
