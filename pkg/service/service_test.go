package service

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type fakeService struct {
	name string
	log  *[]string
	err  error
}

func (f *fakeService) Run() { *f.log = append(*f.log, "run "+f.name) }
func (f *fakeService) Shutdown(context.Context) error {
	*f.log = append(*f.log, "stop "+f.name)
	return f.err
}
func (f *fakeService) String() string { return f.name }

func TestGroup(t *testing.T) {
	var log []string
	g := Group{}
	g.Add(&fakeService{name: "a", log: &log}, "not runnable", &fakeService{name: "b", log: &log, err: errors.New("x")})
	g.Start()
	err := g.Shutdown(context.Background())

	want := []string{"run a", "run b", "stop b", "stop a"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("order %v, want %v", log, want)
	}
	if err == nil || !strings.Contains(err.Error(), "[b]") {
		t.Errorf("expected a shutdown error of b, got %v", err)
	}
}
