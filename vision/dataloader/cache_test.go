package dataloader

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/tsawler/go-emotionnet/tensor"
)

func TestCacheManagerLRU(t *testing.T) {
	cm := NewCacheManager(2)
	cm.Put("a", tensor.Full(1, 1))
	cm.Put("b", tensor.Full(2, 1))

	// touch a so b becomes the eviction candidate
	if _, ok := cm.Get("a"); !ok {
		t.Fatal("expected hit for a")
	}
	cm.Put("c", tensor.Full(3, 1))

	if _, ok := cm.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if v, ok := cm.Get("c"); !ok || v.Data[0] != 3 {
		t.Error("expected hit for c")
	}

	stats := cm.Stats()
	if stats.Size != 2 || stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !strings.Contains(stats.String(), "Cache: 2/2 items") {
		t.Errorf("unexpected stats string %q", stats.String())
	}

	cm.Clear()
	if cm.Stats().Size != 0 {
		t.Error("Clear should empty the cache")
	}
	if cm.Stats().Hits != 2 {
		t.Error("Clear should keep cumulative statistics")
	}
}

func TestCacheManagerDisabled(t *testing.T) {
	cm := NewCacheManager(0)
	cm.Put("a", tensor.Full(1, 1))
	if _, ok := cm.Get("a"); ok {
		t.Error("zero-size cache should not store anything")
	}
}

func TestCacheManagerConcurrentAccess(t *testing.T) {
	cm := NewCacheManager(50)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("img_%d", (w*7+i)%80)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, tensor.Full(float64(i), 2))
				}
			}
		}(w)
	}
	wg.Wait()
	if size := cm.Stats().Size; size > 50 {
		t.Errorf("cache grew past its limit: %d", size)
	}
}
