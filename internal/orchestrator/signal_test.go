//go:build !windows

package orchestrator

import (
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-phpunit-supervisor/internal/supervisor"
)

func TestHandleSignals_CancelsActiveRun(t *testing.T) {
	h := newHarness(phpunitBuilder(), Options{},
		script{lines: []string{"PHPUnit 11.0"}, block: true})
	stop := h.orch.HandleSignals()
	defer stop()

	done := h.runAsync()
	h.rec.waitFor(t, supervisor.EventLine, 1)

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("send SIGINT: %v", err)
	}

	res := waitResult(t, done)
	if !res.Aborted {
		t.Error("SIGINT should abort the active run")
	}
	if !h.orch.Cancelled() {
		t.Error("SIGINT should cancel the orchestrator")
	}

	stop()
	stop()
}

func TestHandleSignals_StopIsIdempotent(t *testing.T) {
	h := newHarness(phpunitBuilder(), Options{}, script{})
	stop := h.orch.HandleSignals()
	stop()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second stop() blocked")
	}
	if h.orch.Cancelled() {
		t.Error("stop() must not cancel")
	}
}
