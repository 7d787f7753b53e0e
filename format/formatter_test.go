package format

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func loadDefaultScript(t *testing.T) *ScriptFormatter {
	t.Helper()
	path := filepath.Join("..", "scripts", "format.lua")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read default script: %v", err)
	}
	f, err := LoadSource(string(data))
	if err != nil {
		t.Fatalf("failed to load default script: %v", err)
	}
	t.Cleanup(f.Close)
	return f
}

type testUser struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

type testApproval struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	OldValue string `json:"oldValue"`
}

type testChange struct {
	Project string   `json:"project"`
	Subject string   `json:"subject"`
	URL     string   `json:"url"`
	Owner   testUser `json:"owner"`
}

type testCommentEvent struct {
	Author    testUser       `json:"author"`
	Approvals []testApproval `json:"approvals"`
	Comment   string         `json:"comment"`
	Change    testChange     `json:"change"`
}

func TestFormatApprovalLine(t *testing.T) {
	f := loadDefaultScript(t)
	ev := testCommentEvent{
		Author: testUser{Name: "Approver", Username: "approver", Email: "approver@approvers.com"},
		Approvals: []testApproval{
			{Type: "Code-Review", Value: "2", OldValue: "-1"},
		},
		Comment: "Patch Set 1: Code-Review+2\n\nJust a buggy script. FAILURE\n\nAnd more problems. FAILURE",
		Change: testChange{
			Project: "demo-project",
			Subject: "Some review.",
			URL:     "http://localhost/42",
			Owner:   testUser{Username: "author"},
		},
	}

	text, ok := f.FormatCommentAdded(ev, []string{"notify_review_approvals"}, true)
	if !ok {
		t.Fatalf("expected a rendered message")
	}
	want := "[Some review.](http://localhost/42) (demo-project) \U0001F44D +2 (Code-Review) from approver\n\n> Just a buggy script. FAILURE<br>\n> And more problems. FAILURE"
	if text != want {
		t.Errorf("unexpected message:\n got:  %q\n want: %q", text, want)
	}
}

func TestFormatCommentAddedFiltersSuccessLinesFromBots(t *testing.T) {
	f := loadDefaultScript(t)
	ev := testCommentEvent{
		Author:  testUser{Username: "reviewbot"},
		Comment: "Acquiring the funds: SUCCESS\nExecuting the plans: FAILURE",
		Change:  testChange{Project: "p", Subject: "s", URL: "http://localhost/1"},
	}

	text, ok := f.FormatCommentAdded(ev, []string{"notify_review_comments"}, false)
	if !ok {
		t.Fatalf("expected a rendered message")
	}
	if strings.Contains(text, "funds") {
		t.Errorf("expected the SUCCESS line to be dropped for a bot author, got %q", text)
	}
	if !strings.Contains(text, "plans") {
		t.Errorf("expected the FAILURE line to survive, got %q", text)
	}
}

func TestFormatCommentAddedSuppressedWithoutApprovalsOrComments(t *testing.T) {
	f := loadDefaultScript(t)
	ev := testCommentEvent{
		Author:  testUser{Username: "alice"},
		Comment: "I don't care.",
		Change:  testChange{Project: "p", Subject: "s", URL: "http://localhost/1"},
	}

	if _, ok := f.FormatCommentAdded(ev, []string{}, true); ok {
		t.Errorf("expected comment-without-approval to be suppressed when notify_review_comments is off")
	}
	if _, ok := f.FormatCommentAdded(ev, []string{"notify_review_comments"}, true); !ok {
		t.Errorf("expected comment-without-approval to be delivered when notify_review_comments is on")
	}
}

func TestFormatReviewerAdded(t *testing.T) {
	f := loadDefaultScript(t)
	ev := map[string]any{
		"change": map[string]any{
			"subject": "Some review.",
			"url":     "http://localhost/42",
			"project": "demo-project",
		},
	}
	text, ok := f.FormatReviewerAdded(ev, nil)
	if !ok {
		t.Fatalf("expected a rendered message")
	}
	if !strings.Contains(text, "Added as reviewer") {
		t.Errorf("unexpected message: %q", text)
	}
}

func TestFormatStatusAndVersionAndGreeting(t *testing.T) {
	f := loadDefaultScript(t)

	status := f.FormatStatus(map[string]any{"enabled": true, "other_enabled": 3})
	if !strings.Contains(status, "enabled") || !strings.Contains(status, "3") {
		t.Errorf("unexpected status text: %q", status)
	}

	version := f.FormatVersionInfo(map[string]any{"name": "gerritbot", "version": "1.0.0", "commit": "abc123"})
	if version != "gerritbot 1.0.0 (commit id abc123)" {
		t.Errorf("unexpected version text: %q", version)
	}

	if !strings.Contains(f.FormatGreeting(), "GerritBot") {
		t.Errorf("expected the greeting to mention GerritBot")
	}
	if !strings.Contains(f.FormatHelp(), "enable") {
		t.Errorf("expected the help text to mention enable")
	}
}

func TestLoadSourceRejectsScriptMissingEntryPoint(t *testing.T) {
	if _, err := LoadSource("function format_greeting() return 'hi' end"); err == nil {
		t.Fatalf("expected an error for a script missing required entry points")
	}
}
