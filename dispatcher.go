package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mrmod/gerritbot/backend"
	"github.com/rs/zerolog/log"
)

// Formatter is the contract the Dispatcher and the Command Handler use
// to render user-facing text. Event and status payloads cross this
// boundary as plain values (any) rather than concrete structs so the
// concrete implementation (format.ScriptFormatter, a sandboxed Lua VM)
// never needs to import package main's domain types — it marshals
// whatever it is given to JSON and hands that to the script, mirroring
// the original system's to_lua_via_json bridging.
type Formatter interface {
	FormatCommentAdded(event any, flags []string, isHuman bool) (string, bool)
	FormatReviewerAdded(event any, flags []string) (string, bool)
	FormatChangeMerged(event any, flags []string) (string, bool)
	FormatChangeAbandoned(event any, flags []string) (string, bool)
	FormatGreeting() string
	FormatHelp() string
	FormatStatus(details any) string
	FormatVersionInfo(info any) string
}

// StatusDetails is the payload behind the `status` command's reply.
type StatusDetails struct {
	Enabled      bool           `json:"enabled"`
	OtherEnabled int            `json:"other_enabled"`
	EnabledFlags []backend.Flag `json:"enabled_flags"`
}

// ChatSender is the Dispatcher's outbound dependency; chat.Client
// satisfies it.
type ChatSender interface {
	Send(ctx context.Context, toUserID, markdownText string) error
}

// isHuman reports whether username looks like a person rather than an
// automated reviewer, per the Dispatcher-owned heuristic in the design
// notes: a case-insensitive substring match on "bot".
func isHuman(username string) bool {
	return !strings.Contains(strings.ToLower(username), "bot")
}

const (
	outboundQueueBound = 64
	dedupCacheSize     = 1000
	dedupCacheTTL      = 5 * time.Minute
)

// Dispatcher is the hub: it consumes Gerrit events, computes recipients,
// invokes the formatter, applies per-recipient filters, and feeds
// bounded per-recipient outbound queues. The Dispatcher holds no
// SubscriberSet of its own: each Dispatch call is handed the Registry's
// set and reads every candidate subscriber through a lock-protected
// Snapshot.
type Dispatcher struct {
	Formatter Formatter
	Sender    ChatSender
	Dedup     DedupCache

	mu     sync.Mutex
	queues map[string]chan string
	wg     sync.WaitGroup
}

// NewDispatcher wires a dispatcher around the given formatter, outbound
// sender and duplicate-suppression cache.
func NewDispatcher(formatter Formatter, sender ChatSender, dedup DedupCache) *Dispatcher {
	if dedup == nil {
		dedup = NewLRUDedupCache(dedupCacheSize, dedupCacheTTL)
	}
	return &Dispatcher{
		Formatter: formatter,
		Sender:    sender,
		Dedup:     dedup,
		queues:    make(map[string]chan string),
	}
}

// Dispatch processes one Gerrit event against set, the Registry's
// subscriber set, enqueuing outbound sends in stable
// chat-id-sorted order.
func (d *Dispatcher) Dispatch(ctx context.Context, set *backend.SubscriberSet, ev *Event) {
	switch ev.Type {
	case EventTypeCommentAdded:
		d.dispatchCommentAdded(ctx, set, ev)
	case EventTypeReviewerAdded:
		d.dispatchReviewerAdded(ctx, set, ev)
	case EventTypeChangeMerged:
		d.dispatchChangeMerged(ctx, set, ev)
	case EventTypeChangeAbandoned:
		d.dispatchChangeAbandoned(ctx, set, ev)
	default:
		log.Debug().Str("type", ev.Type).Msg("ignoring event type with no dispatch rule")
	}
}

func (d *Dispatcher) dispatchCommentAdded(ctx context.Context, set *backend.SubscriberSet, ev *Event) {
	if ev.Author == nil {
		return
	}
	human := isHuman(ev.Author.Username)
	if !human && ev.Change.Status != ChangeStatusNew {
		// a bot commenting on a change that's no longer open is noise.
		return
	}

	candidates := map[string]*backend.Subscriber{}
	if owner, ok := set.GetByEmail(ev.Change.Owner.Email); ok {
		candidates[owner.ChatID] = owner
	}
	for _, c := range ev.PatchSet.Comments {
		if sub, ok := set.GetByEmail(c.Reviewer.Email); ok {
			candidates[sub.ChatID] = sub
		}
	}

	for _, sub := range sortedByChatID(candidates) {
		snap := sub.Snapshot()
		if !snap.Enabled {
			continue
		}
		dedupKey := commentDedupKey(sub.ChatID, ev)
		if d.Dedup.Touch(dedupKey) {
			continue
		}
		// whether sub is the owner replying to themselves, and the
		// rest of the "when to notify" logic, is derived by the
		// formatter from change.owner.email vs author.email in the
		// event value itself; the dispatcher only supplies is_human.
		text, ok := d.Formatter.FormatCommentAdded(ev, flagNames(snap.EnabledFlags), human)
		if !ok || text == "" {
			continue
		}
		d.send(ctx, snap, text)
	}
}

func (d *Dispatcher) dispatchReviewerAdded(ctx context.Context, set *backend.SubscriberSet, ev *Event) {
	if ev.Reviewer == nil {
		return
	}
	sub, ok := set.GetByEmail(ev.Reviewer.Email)
	if !ok {
		return
	}
	snap := sub.Snapshot()
	if !snap.HasFlag(backend.FlagNotifyReviewerAdded) {
		return
	}
	if d.Dedup.Touch(fmt.Sprintf("reviewer-added:%s:%s", snap.ChatID, ev.Change.subjectOrTopic())) {
		return
	}
	if text, ok := d.Formatter.FormatReviewerAdded(ev, flagNames(snap.EnabledFlags)); ok && text != "" {
		d.send(ctx, snap, text)
	}
}

func (d *Dispatcher) dispatchChangeMerged(ctx context.Context, set *backend.SubscriberSet, ev *Event) {
	d.dispatchChangeTerminal(ctx, set, ev, ev.Submitter, backend.FlagNotifyChangeMerged, d.Formatter.FormatChangeMerged)
}

func (d *Dispatcher) dispatchChangeAbandoned(ctx context.Context, set *backend.SubscriberSet, ev *Event) {
	d.dispatchChangeTerminal(ctx, set, ev, ev.Abandoner, backend.FlagNotifyChangeAbandoned, d.Formatter.FormatChangeAbandoned)
}

func (d *Dispatcher) dispatchChangeTerminal(ctx context.Context, set *backend.SubscriberSet, ev *Event, actor *User, flag backend.Flag, format func(any, []string) (string, bool)) {
	actorEmail := ""
	if actor != nil {
		actorEmail = strings.ToLower(actor.Email)
	}

	candidates := map[string]*backend.Subscriber{}
	if ev.Change.Owner.Email != "" && strings.ToLower(ev.Change.Owner.Email) != actorEmail {
		if sub, ok := set.GetByEmail(ev.Change.Owner.Email); ok {
			candidates[sub.ChatID] = sub
		}
	}
	for _, c := range ev.PatchSet.Comments {
		if strings.ToLower(c.Reviewer.Email) == actorEmail {
			continue
		}
		if sub, ok := set.GetByEmail(c.Reviewer.Email); ok {
			candidates[sub.ChatID] = sub
		}
	}

	for _, sub := range sortedByChatID(candidates) {
		snap := sub.Snapshot()
		if !snap.HasFlag(flag) {
			continue
		}
		if text, ok := format(ev, flagNames(snap.EnabledFlags)); ok && text != "" {
			d.send(ctx, snap, text)
		}
	}
}

// send applies the recipient's filter and enqueues text on their
// outbound queue, dropping the oldest entry if the queue is full. snap
// is a point-in-time copy, so the filter it applies can't be mutated
// out from under it by a concurrent command-handler update.
func (d *Dispatcher) send(ctx context.Context, snap backend.Snapshot, text string) {
	if snap.Filter != nil && snap.Filter.Matches(text) {
		return
	}
	q := d.queueFor(snap.ChatID)
	select {
	case q <- text:
	default:
		select {
		case <-q:
			log.Warn().Str("chat_id", snap.ChatID).Msg("outbound queue full, dropped oldest message")
		default:
		}
		select {
		case q <- text:
		default:
		}
	}
}

func (d *Dispatcher) queueFor(chatID string) chan string {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[chatID]
	if !ok {
		q = make(chan string, outboundQueueBound)
		d.queues[chatID] = q
		d.wg.Add(1)
		go d.drain(chatID, q)
	}
	return q
}

// drain delivers one recipient's queue in order, the only place
// Sender.Send is called for that recipient, guaranteeing per-recipient
// ordering regardless of how many goroutines call Dispatch.
func (d *Dispatcher) drain(chatID string, q chan string) {
	defer d.wg.Done()
	for text := range q {
		if err := d.Sender.Send(context.Background(), chatID, text); err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Msg("failed to deliver chat message")
		}
	}
}

// Close stops accepting further sends and waits for queues to drain.
// Call only after the Dispatcher will receive no further Dispatch calls.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func sortedByChatID(m map[string]*backend.Subscriber) []*backend.Subscriber {
	out := make([]*backend.Subscriber, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func flagNames(flags []backend.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

// commentDedupKey keys the per-recipient duplicate suppression cache for
// a comment-added event on (recipient, change subject-or-topic,
// approver, sorted approval set), per the supplemented RateLimiter
// mechanism.
func commentDedupKey(chatID string, ev *Event) string {
	approver := ""
	if ev.Author != nil {
		approver = ev.Author.Email
	}
	pairs := make([]string, len(ev.Approvals))
	for i, a := range ev.Approvals {
		pairs[i] = a.Type + "=" + a.Value
	}
	sort.Strings(pairs)
	return fmt.Sprintf("comment:%s:%s:%s:%s", chatID, ev.Change.subjectOrTopic(), approver, strings.Join(pairs, ","))
}
