package proc

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeProber scripts liveness answers so termination paths can be tested
// without real processes.
type fakeProber struct {
	alive map[int]bool
	// aliveFor counts down: each Alive call on a live pid decrements it and
	// the pid dies when it reaches zero. Zero value means stay alive.
	aliveFor map[int]int
}

func (f *fakeProber) Alive(pid int) bool {
	if !f.alive[pid] {
		return false
	}
	if n, ok := f.aliveFor[pid]; ok {
		if n <= 0 {
			f.alive[pid] = false
			return false
		}
		f.aliveFor[pid] = n - 1
	}
	return true
}

func newTestSupervisor(t *testing.T, prober Prober) *Supervisor {
	t.Helper()
	s := NewSupervisor(Options{
		WorkerBin:   "/bin/sleep",
		LogDir:      t.TempDir(),
		Prober:      prober,
		GracePeriod: 300 * time.Millisecond,
		Logger:      zerolog.New(io.Discard),
	})
	s.graceStep = 10 * time.Millisecond
	return s
}

func TestSpawnAndTerminateRealProcess(t *testing.T) {
	s := NewSupervisor(Options{
		WorkerBin:   "/bin/sleep",
		LogDir:      t.TempDir(),
		Prober:      ProcProber{Marker: "sleep"},
		GracePeriod: 2 * time.Second,
		Logger:      zerolog.New(io.Discard),
	})
	s.graceStep = 20 * time.Millisecond

	pid, err := s.Spawn("gen_aabbccdd_1700000000", []string{"60"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid = %d", pid)
	}
	if !s.Alive(pid) {
		t.Fatal("freshly spawned worker reported dead")
	}

	for _, stream := range []string{"stdout", "stderr"} {
		path := filepath.Join(s.logDir, "gen_aabbccdd_1700000000_"+stream+".log")
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s log missing: %v", stream, err)
		}
	}

	if err := s.Terminate(pid); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if s.Alive(pid) {
		t.Fatal("worker still alive after terminate")
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	s := NewSupervisor(Options{
		WorkerBin: filepath.Join(t.TempDir(), "no-such-worker"),
		LogDir:    t.TempDir(),
		Prober:    &fakeProber{alive: map[int]bool{}},
		Logger:    zerolog.New(io.Discard),
	})

	if _, err := s.Spawn("gen_aabbccdd_1700000000", nil); err == nil {
		t.Fatal("Spawn should fail for a missing binary")
	}
}

func TestTerminateDeadProcessIsNoop(t *testing.T) {
	prober := &fakeProber{alive: map[int]bool{}}
	s := newTestSupervisor(t, prober)

	killed := false
	s.kill = func(pid int, sig syscall.Signal) error {
		killed = true
		return nil
	}

	if err := s.Terminate(4242); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if killed {
		t.Fatal("dead process was signalled")
	}
}

func TestTerminateGracefulPath(t *testing.T) {
	// The worker honours SIGTERM: it reports alive twice more, then gone.
	prober := &fakeProber{
		alive:    map[int]bool{4242: true},
		aliveFor: map[int]int{4242: 3},
	}
	s := newTestSupervisor(t, prober)

	var signals []syscall.Signal
	s.kill = func(pid int, sig syscall.Signal) error {
		signals = append(signals, sig)
		return nil
	}

	if err := s.Terminate(4242); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(signals) != 1 || signals[0] != syscall.SIGTERM {
		t.Fatalf("signals = %v, want [SIGTERM]", signals)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// The worker ignores SIGTERM and only dies to SIGKILL.
	prober := &fakeProber{alive: map[int]bool{4242: true}}
	s := newTestSupervisor(t, prober)

	var signals []syscall.Signal
	s.kill = func(pid int, sig syscall.Signal) error {
		signals = append(signals, sig)
		if sig == syscall.SIGKILL {
			prober.alive[pid] = false
		}
		return nil
	}

	if err := s.Terminate(4242); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if len(signals) != 2 || signals[0] != syscall.SIGTERM || signals[1] != syscall.SIGKILL {
		t.Fatalf("signals = %v, want [SIGTERM SIGKILL]", signals)
	}
}

func TestTerminateRacedExit(t *testing.T) {
	// The process exits between the liveness check and the signal: ESRCH is
	// not an error.
	prober := &fakeProber{
		alive:    map[int]bool{4242: true},
		aliveFor: map[int]int{4242: 1},
	}
	s := newTestSupervisor(t, prober)
	s.kill = func(pid int, sig syscall.Signal) error {
		return syscall.ESRCH
	}

	if err := s.Terminate(4242); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
}

func TestProcProberRejectsBogusPIDs(t *testing.T) {
	p := ProcProber{Marker: "veo-worker"}
	for _, pid := range []int{0, -1} {
		if p.Alive(pid) {
			t.Fatalf("pid %d reported alive", pid)
		}
	}
	// PID far beyond pid_max on any default Linux configuration.
	if p.Alive(1 << 30) {
		t.Fatal("nonexistent pid reported alive")
	}
}
