package main

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestBuildSshCommand(t *testing.T) {
	s, err := NewGerritEventSource("ssh://bot@gerrit.example.com:29419", "/etc/gerritbot/id_rsa")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	args := s.buildSshCommand("stream-events")
	want := []string{
		"-i", "/etc/gerritbot/id_rsa",
		"-p", "29419",
		"bot@gerrit.example.com",
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=accept-new",
		"gerrit", "stream-events",
	}
	if len(args) != len(want) {
		t.Fatalf("got %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d: got %q, want %q", i, args[i], want[i])
		}
	}
}

// writeFakeSSH writes an executable shell script to dir/ssh that, when
// invoked, prints lines instead of connecting anywhere, letting
// streamOnce be exercised without a real Gerrit server.
func writeFakeSSH(t *testing.T, dir string, lines []string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ssh script requires a POSIX shell")
	}
	script := "#!/bin/sh\n"
	for _, l := range lines {
		script += "printf '%s\\n' " + shellQuote(l) + "\n"
	}
	path := filepath.Join(dir, "ssh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake ssh script: %v", err)
	}
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

func TestStreamOnceDecodesEvents(t *testing.T) {
	dir := t.TempDir()
	writeFakeSSH(t, dir, []string{
		`{"type":"comment-added","comment":"looks good","change":{"subject":"Fix bug","url":"http://localhost/1"}}`,
		`not valid json, should be skipped`,
		`{"type":"change-merged","change":{"subject":"Fix bug","url":"http://localhost/1"}}`,
	})

	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath)
	defer os.Setenv("PATH", oldPath)

	s, err := NewGerritEventSource("ssh://bot@gerrit.example.com:29419", "/dev/null")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := make(chan Event, 4)
	err = s.streamOnce(ctx, events)
	// the fake ssh script exits after printing its lines, which streamOnce
	// reports as the stream having closed -- a transient failure the real
	// Listen loop would back off and reconnect from.
	if err == nil {
		t.Fatalf("expected streamOnce to report the closed stream as an error")
	}

	var got []Event
drain:
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		default:
			break drain
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decodable events, got %d: %+v", len(got), got)
	}
	if got[0].Type != EventTypeCommentAdded || got[1].Type != EventTypeChangeMerged {
		t.Errorf("unexpected event types: %+v", got)
	}
}
