package subagent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHasArchivable(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, nil) // session mode, no deadline
	if env.reg.HasArchivable() {
		t.Fatal("session-mode runs carry no archive deadline")
	}

	env.register(t, func(p *RegisterParams) {
		p.ChildSessionKey = "agent:ephemeral"
		p.SpawnMode = SpawnModeRun
	})
	if !env.reg.HasArchivable() {
		t.Error("run-mode spawn should make the table archivable")
	}
}

func TestSweep_ArchivesExpiredRuns(t *testing.T) {
	env := newTestEnv(t)
	expired := env.register(t, func(p *RegisterParams) {
		p.ChildSessionKey = "agent:old"
		p.SpawnMode = SpawnModeRun
	})
	env.clock.Advance(30 * time.Minute)
	fresh := env.register(t, func(p *RegisterParams) {
		p.ChildSessionKey = "agent:new"
		p.SpawnMode = SpawnModeRun
	})

	env.clock.Advance(31 * time.Minute) // expired is 61m old, fresh 31m

	if n := env.reg.Sweep(context.Background()); n != 1 {
		t.Fatalf("swept %d runs, want 1", n)
	}
	if _, ok := env.reg.Get(expired.RunID); ok {
		t.Error("expired run should be removed")
	}
	if _, ok := env.reg.Get(fresh.RunID); !ok {
		t.Error("fresh run must survive the sweep")
	}

	deleted := env.deleter.deleted()
	if len(deleted) != 1 || deleted[0] != "agent:old" {
		t.Errorf("deleted sessions = %v, want [agent:old]", deleted)
	}
}

func TestSweep_NothingDue(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, func(p *RegisterParams) {
		p.SpawnMode = SpawnModeRun
	})

	if n := env.reg.Sweep(context.Background()); n != 0 {
		t.Errorf("swept %d runs before the deadline, want 0", n)
	}
	if len(env.deleter.deleted()) != 0 {
		t.Error("no session should be deleted before the deadline")
	}
}

func TestSweep_SessionDeleteFailureIsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	env.deleter.err = errors.New("gateway unavailable")
	rec := env.register(t, func(p *RegisterParams) {
		p.SpawnMode = SpawnModeRun
	})

	env.clock.Advance(2 * time.Hour)

	if n := env.reg.Sweep(context.Background()); n != 1 {
		t.Fatalf("swept %d runs, want 1", n)
	}
	if _, ok := env.reg.Get(rec.RunID); ok {
		t.Error("record removal must not depend on the session delete call")
	}
}
