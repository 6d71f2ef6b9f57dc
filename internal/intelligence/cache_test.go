package intelligence

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheEvictsOldest(t *testing.T) {
	c := NewCache(3, 10)
	for i := 0; i < 4; i++ {
		c.Add(Record{TranscriptChunk: fmt.Sprint(i)}, time.Now())
	}

	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	recent := c.Recent(0)
	for _, r := range recent {
		if r.TranscriptChunk == "0" {
			t.Error("first record should have been evicted")
		}
	}
	if recent[0].TranscriptChunk != "1" || recent[2].TranscriptChunk != "3" {
		t.Errorf("order = %v", recent)
	}
}

func TestCacheRecentLimit(t *testing.T) {
	c := NewCache(10, 10)
	for i := 0; i < 5; i++ {
		c.Add(Record{TranscriptChunk: fmt.Sprint(i)}, time.Now())
	}
	got := c.Recent(2)
	if len(got) != 2 || got[0].TranscriptChunk != "3" || got[1].TranscriptChunk != "4" {
		t.Errorf("Recent(2) = %v", got)
	}
	if len(c.Recent(50)) != 5 {
		t.Error("Recent should cap at len")
	}
}

func TestCacheEvents(t *testing.T) {
	c := NewCache(10, 1)
	c.Add(Record{TranscriptChunk: "a"}, time.Now())
	c.Add(Record{TranscriptChunk: "b"}, time.Now()) // dropped, buffer full

	select {
	case e := <-c.Events():
		if e.TranscriptChunk != "a" {
			t.Errorf("event = %q", e.TranscriptChunk)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	select {
	case e := <-c.Events():
		t.Errorf("unexpected second event %q", e.TranscriptChunk)
	default:
	}
}

func TestCacheClear(t *testing.T) {
	c := NewCache(2, 0)
	c.Add(Record{}, time.Now())
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("len after Clear = %d", c.Len())
	}
}
