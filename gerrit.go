package main

import "regexp"

// Structure definitions for Gerrit's stream-events JSON payloads, as
// documented by `gerrit stream-events` and `gerrit query --format=JSON`.

// Approval is a signed vote on a label (Code-Review, Verified, QA, …).
// OldValue == Value means the vote did not change and should be ignored
// by any renderer.
type Approval struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Value       string `json:"value"`
	OldValue    string `json:"oldValue"`
}

// User identifies a Gerrit account. Email is the join key to a chat
// Subscriber; it is fragile (case, aliasing) by design note, so lookups
// that miss are "no recipient found", not errors.
type User struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// InlineComment is a single file/line comment attached to a patchset,
// fetched only via the secondary "extended info" query.
type InlineComment struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
	Reviewer User   `json:"reviewer"`
}

// PatchSet is a specific revision of a Change.
type PatchSet struct {
	Number         int             `json:"number"`
	Revision       string          `json:"revision"`
	Parents        []string        `json:"parents"`
	Ref            string          `json:"ref"`
	Uploader       User            `json:"uploader"`
	CreatedOn      int             `json:"createdOn"`
	Author         User            `json:"author"`
	Kind           string          `json:"kind,omitempty"`
	SizeInsertions int             `json:"sizeInsertions,omitempty"`
	SizeDeletions  int             `json:"sizeDeletions,omitempty"`
	Comments       []InlineComment `json:"comments,omitempty"`
}

// SubmitRecord is Gerrit's computed readiness-to-submit verdict; a
// status of "OK" means the change is submittable.
type SubmitRecord struct {
	Status string `json:"status"`
}

// Change is a Gerrit review unit (a proposed commit).
type Change struct {
	Project              string         `json:"project"`
	Branch               string         `json:"branch"`
	ID                   string         `json:"id"`
	Number               int            `json:"number"`
	Subject              string         `json:"subject"`
	Owner                User           `json:"owner"`
	Assignee             *User          `json:"assignee,omitempty"`
	URL                  string         `json:"url"`
	CommitMessage        string         `json:"commitMessage"`
	CherryPickOfChange   int            `json:"cherryPickOfChange,omitempty"`
	CherryPickOfPatchSet int            `json:"cherryPickOfPatchSet,omitempty"`
	CreatedOn            int            `json:"createdOn"`
	Status               string         `json:"status"`
	Wip                  bool           `json:"wip,omitempty"`
	Topic                string         `json:"topic,omitempty"`
	Private              bool           `json:"private,omitempty"`
	Hashtags             []string       `json:"hashtags,omitempty"`
	SubmitRecords        []SubmitRecord `json:"submitRecords,omitempty"`
}

// ChangeStatus values recognized in Change.Status.
const (
	ChangeStatusNew       = "NEW"
	ChangeStatusMerged    = "MERGED"
	ChangeStatusAbandoned = "ABANDONED"
)

// IsSubmittable reports whether any submit record is ready ("OK").
func (c *Change) IsSubmittable() bool {
	for _, r := range c.SubmitRecords {
		if r.Status == "OK" {
			return true
		}
	}
	return false
}

// subjectOrTopic returns the change's topic if set, else its subject line. Used
// as the stable identity key for duplicate-notification suppression.
func (c *Change) subjectOrTopic() string {
	if c.Topic != "" {
		return c.Topic
	}
	return c.Subject
}

type ChangeKey struct {
	ID string `json:"id"`
}

// RefUpdate describes a ref-updated event's git-level change.
type RefUpdate struct {
	OldRev  string `json:"oldRev"`
	NewRev  string `json:"newRev"`
	RefName string `json:"refName"`
	Project string `json:"project"`
}

// Event is Gerrit's tagged stream-events payload. Only the fields
// relevant to a given Type are populated; unrecognized Type values still
// decode successfully and are routed to the "other" bucket by the
// dispatcher rather than causing a parse failure, per design note.
type Event struct {
	Author         *User      `json:"author,omitempty"`
	Abandoner      *User      `json:"abandoner,omitempty"`
	Uploader       *User      `json:"uploader,omitempty"`
	Reviewer       *User      `json:"reviewer,omitempty"`
	Adder          *User      `json:"adder,omitempty"`
	Remover        *User      `json:"remover,omitempty"`
	Submitter      *User      `json:"submitter,omitempty"`
	NewRev         string     `json:"newRev,omitempty"`
	Ref            string     `json:"ref,omitempty"`
	TargetNode     string     `json:"targetNode,omitempty"`
	TargetUri      string     `json:"targetUri,omitempty"`
	Approvals      []Approval `json:"approvals,omitempty"`
	Comment        string     `json:"comment,omitempty"`
	PatchSet       PatchSet   `json:"patchSet"`
	Change         Change     `json:"change"`
	Project        string     `json:"project"`
	RefName        string     `json:"refName"`
	ChangeKey      ChangeKey  `json:"changeKey"`
	RefUpdate      RefUpdate  `json:"refUpdate"`
	Type           string     `json:"type"`
	Reason         string     `json:"reason,omitempty"`
	EventCreatedOn int        `json:"eventCreatedOn"`
	Status         string     `json:"status,omitempty"`
	RefStatus      string     `json:"refStatus,omitempty"`
	NodesCount     int        `json:"nodesCount,omitempty"`
	OldTopic       string     `json:"oldTopic,omitempty"`
	Changer        *User      `json:"changer,omitempty"`
	Editor         *User      `json:"editor,omitempty"`
	Restorer       *User      `json:"restorer,omitempty"`
	OldAssignee    *User      `json:"oldAssignee,omitempty"`
	Added          []string   `json:"added,omitempty"`
	Removed        []string   `json:"removed,omitempty"`
	Hashtags       []string   `json:"hashtags,omitempty"`
}

// Event type strings as emitted by `gerrit stream-events`.
const (
	EventTypeCommentAdded    = "comment-added"
	EventTypeReviewerAdded   = "reviewer-added"
	EventTypeChangeMerged    = "change-merged"
	EventTypeChangeAbandoned = "change-abandoned"
	EventTypePatchsetCreated = "patchset-created"
	EventTypeRefUpdated      = "ref-updated"
)

// actor returns the Gerrit user responsible for this event: the author,
// submitter, abandoner or adder depending on Type, nil for other types.
// The dispatcher reads Submitter and Abandoner directly rather than
// calling this.
func (e *Event) actor() *User {
	switch e.Type {
	case EventTypeCommentAdded:
		return e.Author
	case EventTypeChangeMerged:
		return e.Submitter
	case EventTypeChangeAbandoned:
		return e.Abandoner
	case EventTypeReviewerAdded:
		return e.Adder
	default:
		return nil
	}
}

// maybeHasInlineComments guesses, from the comment text alone, whether
// this comment-added event's patchset is worth a secondary query for
// inline comments or submit records. Gerrit renders a parenthetical like
// "(2 comments)" into the comment body when inline comments exist.
var inlineCommentHint = regexp.MustCompile(`\(\d+\scomments?\)`)

func maybeHasInlineComments(e *Event) bool {
	return inlineCommentHint.MatchString(e.Comment)
}
