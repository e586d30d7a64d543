package com

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testClient struct {
	id int
	c  int32
}

func (t *testClient) change(n int) { atomic.AddInt32(&t.c, int32(n)) }

func TestPointerValue(t *testing.T) {
	m := NewMap[int, *testClient]()
	c := testClient{id: 1}
	m.Put(c.id, &c)
	fc, _ := m.FindBy(func(c *testClient) bool { return c.id == 1 })
	c.change(100)
	fc2, _ := m.Find(1)

	expected := c.c == fc.c && c.c == fc2.c
	if !expected {
		t.Errorf("not expected change, o: %v != %v != %v", c.c, fc.c, fc2.c)
	}
}

func TestAddPop(t *testing.T) {
	m := NewMap[uint32, string]()
	if err := m.Add(0, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(0, "b"); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate key accepted: %v", err)
	}
	if v, err := m.Pop(0); err != nil || v != "a" {
		t.Errorf("pop = %v %v", v, err)
	}
	if _, err := m.Pop(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("popped twice")
	}
	if !m.IsEmpty() {
		t.Errorf("map is not empty")
	}
}

func TestValuesConcurrent(t *testing.T) {
	m := NewMap[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) { defer wg.Done(); m.Put(i, i) }(i)
	}
	wg.Wait()
	vv := m.Values()
	sort.Ints(vv)
	if len(vv) != 100 || vv[0] != 0 || vv[99] != 99 {
		t.Errorf("wrong values %v", vv)
	}
	if !m.Has(42) || m.Len() != 100 {
		t.Errorf("has/len mismatch")
	}
}

func TestSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == b || a.IsNil() {
		t.Errorf("ids are not unique: %v %v", a, b)
	}
	if s := a.Short(); len(s) != 7 || s[3] != '.' {
		t.Errorf("bad short id %q", s)
	}
	if d := time.Since(a.Started()); d < -time.Second || d > time.Minute {
		t.Errorf("creation time is off by %v", d)
	}
}
