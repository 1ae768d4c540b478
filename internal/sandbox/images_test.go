package sandbox

import (
	"fmt"
	"sync"
	"testing"
)

func TestImages_RecordAndLookup(t *testing.T) {
	reg := NewImages()

	if _, ok := reg.Lookup("busybox"); ok {
		t.Fatal("Lookup returned ok on empty registry")
	}

	reg.Record("docker.io/library/busybox:latest", "c1")

	got, ok := reg.Lookup("docker.io/library/busybox:latest")
	if !ok {
		t.Fatal("Lookup returned not found for recorded image")
	}
	if got != "c1" {
		t.Errorf("container id = %q, want %q", got, "c1")
	}
}

func TestImages_LastWriterWins(t *testing.T) {
	reg := NewImages()
	reg.Record("alpine", "c1")
	reg.Record("alpine", "c2")

	got, _ := reg.Lookup("alpine")
	if got != "c2" {
		t.Errorf("container id = %q, want %q", got, "c2")
	}
	if n := reg.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestImages_ListSorted(t *testing.T) {
	reg := NewImages()
	reg.Record("b", "2")
	reg.Record("a", "1")

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List returned %d items, want 2", len(list))
	}
	if list[0].Ref != "a" || list[1].Ref != "b" {
		t.Errorf("List order = %v, want a then b", list)
	}
}

func TestImages_ConcurrentRecord(t *testing.T) {
	reg := NewImages()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.Record(fmt.Sprintf("image-%d", i), fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()

	if n := reg.Len(); n != 64 {
		t.Errorf("Len = %d, want 64", n)
	}
}
