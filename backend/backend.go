// Package backend owns the durable representation of chat subscribers:
// their notification flags, optional message filter, and enabled state.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Flag is a named boolean a subscriber can toggle to control a category of
// notifications.
type Flag string

const (
	FlagNotifyReviewApprovals      Flag = "notify_review_approvals"
	FlagNotifyReviewComments       Flag = "notify_review_comments"
	FlagNotifyReviewInlineComments Flag = "notify_review_inline_comments"
	FlagNotifyReviewResponses      Flag = "notify_review_responses"
	FlagNotifyReviewerAdded        Flag = "notify_reviewer_added"
	FlagNotifyChangeMerged         Flag = "notify_change_merged"
	FlagNotifyChangeAbandoned      Flag = "notify_change_abandoned"
)

// AllFlags enumerates every recognized flag, in the order EnabledFlags
// and Snapshot report them (and so the order `status` details carry).
var AllFlags = []Flag{
	FlagNotifyReviewApprovals,
	FlagNotifyReviewComments,
	FlagNotifyReviewInlineComments,
	FlagNotifyReviewResponses,
	FlagNotifyReviewerAdded,
	FlagNotifyChangeMerged,
	FlagNotifyChangeAbandoned,
}

// defaultFlags is the contract referenced in SPEC_FULL.md's flag table.
// Changing it is a user-visible behavior change.
var defaultFlags = map[Flag]bool{
	FlagNotifyReviewApprovals:      true,
	FlagNotifyReviewComments:       false,
	FlagNotifyReviewInlineComments: true,
	FlagNotifyReviewResponses:      false,
	FlagNotifyReviewerAdded:        true,
	FlagNotifyChangeMerged:         true,
	FlagNotifyChangeAbandoned:      true,
}

// IsRecognizedFlag reports whether name is a flag the registry understands.
func IsRecognizedFlag(name string) (Flag, bool) {
	f := Flag(strings.ToLower(name))
	if _, ok := defaultFlags[f]; ok {
		return f, true
	}
	return "", false
}

// UserFlags holds a subscriber's flag overrides. A nil map means "use
// defaults for everything"; it is only materialized into a full copy of
// defaultFlags on the first explicit Set call, mirroring the Default/Custom
// split in the notification bot this was adapted from.
type UserFlags map[Flag]bool

// Contains reports whether flag is enabled for this subscriber, falling
// back to the default when the subscriber has no override (or the flag
// name is unrecognized).
func (f UserFlags) Contains(flag Flag) bool {
	if v, ok := f[flag]; ok {
		return v
	}
	return defaultFlags[flag]
}

// IsDefault reports whether the subscriber has never diverged from the
// default flag set.
func (f UserFlags) IsDefault() bool {
	return f == nil
}

// Filter is a subscriber's optional outbound-message regex filter. A
// matching message is suppressed when the filter is enabled.
type Filter struct {
	Pattern string `json:"pattern"`
	Enabled bool   `json:"enabled"`
	regex   *regexp.Regexp
}

// NewFilter compiles pattern and returns a filter enabled by default, as
// required by the `filter <regex>` command contract.
func NewFilter(pattern string) (*Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return &Filter{Pattern: pattern, Enabled: true, regex: re}, nil
}

// Matches reports whether msg is suppressed by this filter. A disabled
// filter never suppresses.
func (f *Filter) Matches(msg string) bool {
	if f == nil || !f.Enabled || f.regex == nil {
		return false
	}
	return f.regex.MatchString(msg)
}

// filterJSON mirrors Filter's exported shape for (un)marshaling without
// recursing back into UnmarshalJSON.
type filterJSON struct {
	Pattern string `json:"pattern"`
	Enabled bool   `json:"enabled"`
}

// UnmarshalJSON recompiles the regex on load; the compiled form never
// survives a round trip to disk, only the pattern string does.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw filterJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Pattern = raw.Pattern
	f.Enabled = raw.Enabled
	if f.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(f.Pattern)
	if err != nil {
		return fmt.Errorf("invalid regex %q persisted in state: %w", f.Pattern, err)
	}
	f.regex = re
	return nil
}

// MarshalJSON drops the compiled regex; only the pattern string and
// enabled bit are durable.
func (f *Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(filterJSON{Pattern: f.Pattern, Enabled: f.Enabled})
}

// Subscriber is a chat user with notification state in the bot. Identified
// by chat-user-id; bound to a Gerrit identity by lowercased email.
type Subscriber struct {
	ChatID    string    `json:"chat_id"`
	Email     string    `json:"email"`
	Enabled   bool      `json:"enabled"`
	Flags     UserFlags `json:"flags,omitempty"`
	Filter    *Filter   `json:"filter,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	mu sync.Mutex
}

// SetFlag enables or disables flag for the subscriber, materializing the
// default set on first divergence.
func (s *Subscriber) SetFlag(flag Flag, value bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Flags == nil {
		s.Flags = make(UserFlags, len(defaultFlags))
		for f, v := range defaultFlags {
			s.Flags[f] = v
		}
	}
	s.Flags[flag] = value
	s.UpdatedAt = time.Now()
}

// HasFlag reports whether flag is set for an enabled subscriber. A
// disabled subscriber never has any flag.
func (s *Subscriber) HasFlag(flag Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Enabled {
		return false
	}
	return s.Flags.Contains(flag)
}

// EnabledFlags returns the subscriber's currently enabled flags, in
// AllFlags order.
func (s *Subscriber) EnabledFlags() []Flag {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Flag, 0, len(AllFlags))
	for _, f := range AllFlags {
		if s.Flags.Contains(f) {
			out = append(out, f)
		}
	}
	return out
}

// SetEnabled toggles the subscriber's global enabled state.
func (s *Subscriber) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Enabled = enabled
}

// IsEnabled reports the subscriber's current enabled state, taken under
// lock so it's safe to call concurrently with the Command Handler's
// mutators.
func (s *Subscriber) IsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Enabled
}

// SetFilter compiles and installs pattern as the subscriber's filter,
// enabled by default.
func (s *Subscriber) SetFilter(pattern string) error {
	f, err := NewFilter(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Filter = f
	return nil
}

// SetFilterEnabled toggles the stored filter, if any.
func (s *Subscriber) SetFilterEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Filter != nil {
		s.Filter.Enabled = enabled
	}
}

// Snapshot is a point-in-time, immutable copy of the fields the
// Dispatcher needs to decide whether and how to notify a subscriber. The
// Dispatcher runs on its own goroutine while the Command Handler mutates
// the live Subscriber on another, so the Dispatcher must never read
// Enabled/Flags/Filter directly off the shared Subscriber; it takes a
// Snapshot instead, copied under the subscriber's own lock.
type Snapshot struct {
	ChatID       string
	Enabled      bool
	EnabledFlags []Flag
	Filter       *Filter
}

// Snapshot takes a lock-protected copy of s's dispatch-relevant state.
func (s *Subscriber) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	flags := make([]Flag, 0, len(AllFlags))
	for _, f := range AllFlags {
		if s.Flags.Contains(f) {
			flags = append(flags, f)
		}
	}

	var filter *Filter
	if s.Filter != nil {
		copied := *s.Filter
		filter = &copied
	}

	return Snapshot{
		ChatID:       s.ChatID,
		Enabled:      s.Enabled,
		EnabledFlags: flags,
		Filter:       filter,
	}
}

// HasFlag reports whether flag is set within this already-taken
// snapshot.
func (snap Snapshot) HasFlag(flag Flag) bool {
	if !snap.Enabled {
		return false
	}
	for _, f := range snap.EnabledFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// SubscriberSet is the in-memory owner of every known Subscriber, indexed
// by chat id and by email for the Dispatcher's identity cross-reference.
type SubscriberSet struct {
	mu       sync.RWMutex
	byChatID map[string]*Subscriber
	byEmail  map[string]*Subscriber
}

// NewSubscriberSet returns an empty set.
func NewSubscriberSet() *SubscriberSet {
	return &SubscriberSet{
		byChatID: make(map[string]*Subscriber),
		byEmail:  make(map[string]*Subscriber),
	}
}

// Get returns the subscriber with the given chat id, if any.
func (s *SubscriberSet) Get(chatID string) (*Subscriber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byChatID[chatID]
	return sub, ok
}

// GetByEmail returns the subscriber bound to email (case-insensitive), if
// any. Per design notes, callers must treat a miss as "no recipient
// found", not as an error.
func (s *SubscriberSet) GetByEmail(email string) (*Subscriber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byEmail[strings.ToLower(email)]
	return sub, ok
}

// GetOrCreate returns the subscriber for chatID, creating one bound to
// email if this is the first time this chat id has been seen. Returns
// created=true when a new record was made.
func (s *SubscriberSet) GetOrCreate(chatID, email string) (sub *Subscriber, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byChatID[chatID]; ok {
		return existing, false
	}
	now := time.Now()
	sub = &Subscriber{
		ChatID:    chatID,
		Email:     strings.ToLower(email),
		Enabled:   false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byChatID[chatID] = sub
	if sub.Email != "" {
		s.byEmail[sub.Email] = sub
	}
	return sub, true
}

// CountEnabled returns the number of enabled subscribers, excluding
// excludeChatID (used by the `status` command to report "other" users).
func (s *SubscriberSet) CountEnabled(excludeChatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for id, sub := range s.byChatID {
		if id == excludeChatID {
			continue
		}
		if sub.IsEnabled() {
			n++
		}
	}
	return n
}

// All returns every subscriber, sorted by chat id, matching the
// Dispatcher's stable per-event recipient ordering requirement.
func (s *SubscriberSet) All() []*Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscriber, 0, len(s.byChatID))
	for _, sub := range s.byChatID {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// reindexEmail refreshes the email index; called after a bulk load.
func (s *SubscriberSet) reindexEmail() {
	s.byEmail = make(map[string]*Subscriber, len(s.byChatID))
	for _, sub := range s.byChatID {
		if sub.Email != "" {
			s.byEmail[strings.ToLower(sub.Email)] = sub
		}
	}
}

// Store is the persistence contract for a SubscriberSet: load on startup,
// save after mutation.
type Store interface {
	// Load returns the persisted SubscriberSet. A missing or unreadable
	// file yields an empty set and a non-fatal warning, never an error.
	Load(ctx context.Context) (*SubscriberSet, error)
	// Save schedules a durable write of set. Implementations may debounce;
	// the latest call wins.
	Save(ctx context.Context, set *SubscriberSet) error
	// Close flushes any pending debounced save and releases resources.
	Close() error
}
