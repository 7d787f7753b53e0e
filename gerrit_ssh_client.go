package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"
)

var sshConnectionOptions = []string{
	"-o", "ServerAliveInterval=10",
	"-o", "ServerAliveCountMax=3",
	"-o", "StrictHostKeyChecking=accept-new",
}

// GerritEventSource owns the one live SSH session running
// `gerrit stream-events`, translating its newline-delimited JSON stream
// into typed Events and handing them to the Dispatcher via Listen's
// channel. It is the sole owner of the connection's reconnect/backoff
// lifecycle, per the design note that reconnect logic belongs to the
// source, not the dispatcher.
type GerritEventSource struct {
	*url.URL
	SshKeyPath string
}

func NewGerritEventSource(sshUrl, sshKeyPath string) (*GerritEventSource, error) {
	u, err := url.Parse(sshUrl)
	if err != nil {
		return nil, fmt.Errorf("parse gerrit ssh url %q: %w", sshUrl, err)
	}
	return &GerritEventSource{u, sshKeyPath}, nil
}

func (s *GerritEventSource) buildSshCommand(extra ...string) []string {
	args := []string{"-i", s.SshKeyPath, "-p", s.Port(), s.User.Username() + "@" + s.Hostname()}
	args = append(args, sshConnectionOptions...)
	args = append(args, "gerrit")
	return append(args, extra...)
}

// sourceState names the Event Source's connection state machine.
type sourceState int

const (
	stateDisconnected sourceState = iota
	stateConnecting
	stateStreaming
	stateFailed
)

// Listen runs the disconnected→connecting→streaming state machine until
// ctx is cancelled. It never returns except on cancellation: every
// transport, auth, or parse failure is transient and leads back to
// disconnected with an exponential backoff (1s start, doubling, capped
// at 60s). The backoff is not reset after a connection that streamed
// and then dropped: each further disconnect waits the next, longer
// interval, up to the cap.
func (s *GerritEventSource) Listen(ctx context.Context, events chan<- Event) {
	policy := backoff.NewExponentialBackOff()
	policy.RandomizationFactor = 0
	policy.InitialInterval = time.Second
	policy.MaxInterval = 60 * time.Second
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us

	for {
		if ctx.Err() != nil {
			return
		}

		log.Info().Str("host", s.Hostname()).Msg("connecting to gerrit event stream")
		if err := s.streamOnce(ctx, events); err != nil {
			wait := policy.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Msg("gerrit event stream disconnected, reconnecting")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		// a clean return from streamOnce (ctx cancelled mid-stream)
		// means shutdown, not a transient failure.
		policy.Reset()
		if ctx.Err() != nil {
			return
		}
	}
}

// streamOnce opens one SSH session, reads it to EOF/error/cancellation,
// and decodes each line into an Event. A non-nil error means the caller
// should back off and retry; a nil error means ctx was cancelled.
func (s *GerritEventSource) streamOnce(ctx context.Context, events chan<- Event) error {
	cmd := exec.CommandContext(ctx, "ssh", s.buildSshCommand("stream-events")...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ssh: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	maxBufferSize := 1024 * 1024
	scanner.Buffer(make([]byte, maxBufferSize), maxBufferSize)
	scanner.Split(bufio.ScanLines)

	for scanner.Scan() {
		line := scanner.Text()
		log.Trace().Str("event", line).Msg("raw gerrit event")

		var ev Event
		if err := json.NewDecoder(bytes.NewBufferString(line)).Decode(&ev); err != nil {
			log.Warn().Err(err).Msg("failed to decode gerrit event line, skipping")
			continue
		}

		switch {
		case ev.Type == EventTypeCommentAdded && maybeHasInlineComments(&ev):
			// the heuristic only decides whether a comment-added event is
			// worth the extra round trip for its own sake.
			s.enrich(&ev)
		case ev.Type == EventTypeChangeMerged || ev.Type == EventTypeChangeAbandoned:
			// change-merged/abandoned always need the patchset's reviewer
			// list to compute "previous distinct reviewers" at dispatch
			// time; there's no cheap heuristic to gate this one on.
			s.enrich(&ev)
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			_ = cmd.Wait()
			return nil
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ssh stream-events exited: %w", err)
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("ssh stream-events closed the stream")
}

// enrich runs the secondary query and merges submit records and inline
// comments into ev, best-effort: failures are logged, not propagated.
func (s *GerritEventSource) enrich(ev *Event) {
	id := ev.Change.ID
	if id == "" {
		return
	}
	args := s.buildSshCommand("query", "--format=JSON", "--submit-records", "--patch-sets", "--comments", "change:"+id)
	out, err := exec.Command("ssh", args...).Output()
	if err != nil {
		log.Warn().Err(err).Str("change", id).Msg("secondary query for inline comments failed")
		return
	}

	var extended struct {
		SubmitRecords []SubmitRecord `json:"submitRecords"`
		PatchSets     []PatchSet     `json:"patchSets"`
	}
	// gerrit query emits one JSON object per line; the first line is the
	// change we asked for, the last is a stats footer we don't need.
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := json.Unmarshal([]byte(line), &extended); err != nil {
			continue
		}
		break
	}

	if len(extended.SubmitRecords) > 0 {
		ev.Change.SubmitRecords = extended.SubmitRecords
	}
	for _, ps := range extended.PatchSets {
		if ps.Number == ev.PatchSet.Number && len(ps.Comments) > 0 {
			ev.PatchSet.Comments = ps.Comments
			break
		}
	}
}
