package main

import "fmt"

// BuildCommit is set via -ldflags "-X main.BuildCommit=..." at release
// build time; it stays "unknown" for local/dev builds.
var BuildCommit = "unknown"

const versionName = "gerritbot"
const versionNumber = "1.0.0"

// VersionInfo is passed to the formatter's format_version_info entry
// point verbatim.
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

func currentVersionInfo() VersionInfo {
	return VersionInfo{Name: versionName, Version: versionNumber, Commit: BuildCommit}
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%s %s (commit id %s)", v.Name, v.Version, v.Commit)
}
