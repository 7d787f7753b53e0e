package main

import (
	"testing"
	"time"
)

func TestLRUDedupCacheTouch(t *testing.T) {
	c := NewLRUDedupCache(10, time.Minute)

	if c.Touch("a") {
		t.Fatalf("expected first touch of a new key to report unseen")
	}
	if !c.Touch("a") {
		t.Fatalf("expected second touch of the same key to report already seen")
	}
	if c.Touch("b") {
		t.Fatalf("expected first touch of a different key to report unseen")
	}
}

func TestLRUDedupCacheExpires(t *testing.T) {
	c := NewLRUDedupCache(10, 10*time.Millisecond)

	if c.Touch("a") {
		t.Fatalf("expected first touch to report unseen")
	}
	time.Sleep(50 * time.Millisecond)
	if c.Touch("a") {
		t.Fatalf("expected the key to have expired out of the cache")
	}
}
