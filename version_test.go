package main

import "testing"

func TestVersionInfoString(t *testing.T) {
	v := VersionInfo{Name: "gerritbot", Version: "1.0.0", Commit: "abc123"}
	if got, want := v.String(), "gerritbot 1.0.0 (commit id abc123)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCurrentVersionInfoUsesBuildCommit(t *testing.T) {
	old := BuildCommit
	defer func() { BuildCommit = old }()
	BuildCommit = "deadbeef"

	info := currentVersionInfo()
	if info.Commit != "deadbeef" {
		t.Errorf("expected current version info to reflect BuildCommit, got %q", info.Commit)
	}
	if info.Name != versionName || info.Version != versionNumber {
		t.Errorf("unexpected name/version: %+v", info)
	}
}
