package kms

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opd-ai/planecomp/internal/drm"
)

func TestRegistryClaimRelease(t *testing.T) {
	r := NewRegistry()
	overlay := PlaneKey{Index: 2, Type: drm.PlaneOverlay}
	cursor := PlaneKey{Index: 2, Type: drm.PlaneCursor}

	if !r.Register(overlay) {
		t.Fatal("first Register() = false")
	}
	if r.Register(overlay) {
		t.Error("second Register() of the same key = true")
	}
	if !r.Register(cursor) {
		t.Error("Register() of the same index with another type = false")
	}
	if !r.InUse(overlay) || r.Len() != 2 {
		t.Errorf("InUse = %v, Len = %d", r.InUse(overlay), r.Len())
	}
	if !r.Unregister(overlay) {
		t.Error("Unregister() of a held key = false")
	}
	if r.Unregister(overlay) {
		t.Error("second Unregister() = true")
	}
	if !r.Register(overlay) {
		t.Error("Register() after release = false")
	}
}

func TestRegistryKeys(t *testing.T) {
	r := NewRegistry()
	for _, i := range []int{3, 0, 1} {
		r.Register(PlaneKey{Index: i, Type: drm.PlaneOverlay})
	}
	keys := r.Keys()
	if len(keys) != 3 {
		t.Fatalf("Keys() = %v", keys)
	}
	for i, want := range []int{0, 1, 3} {
		if keys[i].Index != want {
			t.Errorf("Keys()[%d] = %v, want index %d", i, keys[i], want)
		}
	}
	if got := keys[2].String(); got != "overlay:3" {
		t.Errorf("String() = %q", got)
	}
}

func TestRegistryConcurrentClaims(t *testing.T) {
	r := NewRegistry()
	key := PlaneKey{Index: 1, Type: drm.PlaneOverlay}

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register(key) {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 {
		t.Errorf("%d goroutines claimed the same plane, want 1", won.Load())
	}
}
