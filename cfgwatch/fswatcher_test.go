// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-lib.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package cfgwatch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cclog "github.com/ClusterCockpit/cachepit/ccLogger"
)

type testListener struct {
	mu      sync.Mutex
	matched int
	pattern string
}

func (l *testListener) EventMatch(event string) bool {
	return l.pattern == "" || filepath.Base(event) != ""
}

func (l *testListener) EventCallback() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.matched++
}

func (l *testListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.matched
}

func TestAddListenerReceivesWriteEvent(t *testing.T) {
	cclog.Init("debug", true)

	dir := t.TempDir()
	fn := filepath.Join(dir, "watched.json")
	if err := os.WriteFile(fn, []byte("{}"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	l := &testListener{}
	AddListener(dir, l)
	t.Cleanup(FsWatcherShutdown)

	if err := os.WriteFile(fn, []byte(`{"a":1}`), 0o644); err != nil {
		t.Fatalf("rewriting fixture: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.count() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected at least one EventCallback invocation after file write")
}

func TestAddListenerOnMissingPath(t *testing.T) {
	cclog.Init("debug", true)

	l := &testListener{}
	// Adding a nonexistent path should only log a warning, not panic.
	AddListener(filepath.Join(t.TempDir(), "does-not-exist"), l)
	FsWatcherShutdown()
}
