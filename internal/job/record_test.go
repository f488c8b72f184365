package job

import (
	"testing"
	"time"
)

func TestNewIDShape(t *testing.T) {
	id := NewID()
	if !ValidID(id) {
		t.Fatalf("NewID produced invalid id %q", id)
	}

	created, ok := CreatedFromID(id)
	if !ok {
		t.Fatalf("CreatedFromID failed for %q", id)
	}
	if d := time.Since(created); d < 0 || d > time.Minute {
		t.Fatalf("embedded creation time %v is not recent", created)
	}
}

func TestValidIDRejectsHostileInput(t *testing.T) {
	for _, id := range []string{
		"",
		"gen_",
		"../../etc/passwd",
		"gen_12345678_",
		"gen_1234567_99",
		"gen_12345678_99/../../x",
		"gen_ZZZZZZZZ_1700000000",
	} {
		if ValidID(id) {
			t.Fatalf("ValidID accepted %q", id)
		}
	}
	if !ValidID("gen_0a1b2c3d_1700000000") {
		t.Fatal("ValidID rejected a well-formed id")
	}
}

func TestCreatedFromID(t *testing.T) {
	created, ok := CreatedFromID("gen_0a1b2c3d_1700000000")
	if !ok {
		t.Fatal("CreatedFromID failed")
	}
	if got := created.Unix(); got != 1700000000 {
		t.Fatalf("creation time = %d, want 1700000000", got)
	}
	if _, ok := CreatedFromID("no-separator"); ok {
		t.Fatal("CreatedFromID accepted malformed id")
	}
	if _, ok := CreatedFromID("gen_0a1b2c3d_notanumber"); ok {
		t.Fatal("CreatedFromID accepted non-numeric timestamp")
	}
}

func TestStatusClassification(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	active := []Status{StatusStarting, StatusRunning, StatusGenerating, StatusPolling}

	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if s.Active() {
			t.Fatalf("%s should not be active", s)
		}
	}
	for _, s := range active {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
		if !s.Active() {
			t.Fatalf("%s should be active", s)
		}
	}
}

func TestDownloadFor(t *testing.T) {
	rec := &Record{Downloads: []Download{
		{Index: 0, FilePath: "/out/a.mp4", FileSize: 10},
		{Index: 2, FilePath: "/out/c.mp4", FileSize: 30},
	}}

	d, ok := rec.DownloadFor(2)
	if !ok || d.FilePath != "/out/c.mp4" {
		t.Fatalf("DownloadFor(2) = %+v, %v", d, ok)
	}
	if _, ok := rec.DownloadFor(1); ok {
		t.Fatal("DownloadFor(1) should miss")
	}
}
