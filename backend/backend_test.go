package backend

import "testing"

func TestDefaultFlags(t *testing.T) {
	var f UserFlags
	if !f.IsDefault() {
		t.Fatalf("nil UserFlags should report IsDefault")
	}
	if !f.Contains(FlagNotifyReviewApprovals) {
		t.Errorf("expected notify_review_approvals on by default")
	}
	if f.Contains(FlagNotifyReviewComments) {
		t.Errorf("expected notify_review_comments off by default")
	}
	if !f.Contains(FlagNotifyChangeMerged) {
		t.Errorf("expected notify_change_merged on by default")
	}
	if f.Contains(Flag("not_a_real_flag")) {
		t.Errorf("unknown flag should fall back to false, not panic or default-true")
	}
}

func TestSubscriberSetFlagMaterializesDefaults(t *testing.T) {
	sub := &Subscriber{ChatID: "bob", Email: "bob@example.com", Enabled: true}
	sub.SetFlag(FlagNotifyReviewComments, true)

	if !sub.HasFlag(FlagNotifyReviewComments) {
		t.Errorf("expected notify_review_comments to be enabled after SetFlag")
	}
	// the rest of the defaults should have been carried over, not reset
	if !sub.HasFlag(FlagNotifyReviewApprovals) {
		t.Errorf("expected notify_review_approvals to remain on after an unrelated SetFlag")
	}
	if !sub.HasFlag(FlagNotifyChangeMerged) {
		t.Errorf("expected notify_change_merged to remain on after an unrelated SetFlag")
	}
}

func TestDisabledSubscriberHasNoFlags(t *testing.T) {
	sub := &Subscriber{ChatID: "bob", Email: "bob@example.com", Enabled: false}
	if sub.HasFlag(FlagNotifyReviewApprovals) {
		t.Errorf("a disabled subscriber must never have an effective flag")
	}
}

func TestFilterMatches(t *testing.T) {
	f, err := NewFilter(`^\[CI\]`)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if !f.Enabled {
		t.Errorf("a newly created filter should be enabled by default")
	}
	if !f.Matches("[CI] nightly build failed") {
		t.Errorf("expected filter to match a message starting with [CI]")
	}
	if f.Matches("unrelated message") {
		t.Errorf("expected filter not to match an unrelated message")
	}

	f.Enabled = false
	if f.Matches("[CI] nightly build failed") {
		t.Errorf("a disabled filter must never suppress")
	}
}

func TestNewFilterRejectsInvalidRegex(t *testing.T) {
	if _, err := NewFilter("("); err == nil {
		t.Fatalf("expected an error for an unterminated group")
	}
}

func TestSubscriberSetGetOrCreate(t *testing.T) {
	set := NewSubscriberSet()

	sub, created := set.GetOrCreate("bob", "Bob@Example.com")
	if !created {
		t.Fatalf("expected the first GetOrCreate to create a subscriber")
	}
	if sub.Email != "bob@example.com" {
		t.Errorf("expected email to be lowercased, got %q", sub.Email)
	}

	again, created := set.GetOrCreate("bob", "bob@example.com")
	if created {
		t.Errorf("expected the second GetOrCreate to return the existing subscriber")
	}
	if again != sub {
		t.Errorf("expected the same subscriber pointer to be returned")
	}

	byEmail, ok := set.GetByEmail("BOB@EXAMPLE.COM")
	if !ok || byEmail != sub {
		t.Errorf("expected case-insensitive email lookup to find the subscriber")
	}
}

func TestSubscriberSetCountEnabledExcludesSelf(t *testing.T) {
	set := NewSubscriberSet()
	bob, _ := set.GetOrCreate("bob", "bob@example.com")
	bob.SetEnabled(true)
	alice, _ := set.GetOrCreate("alice", "alice@example.com")
	alice.SetEnabled(true)
	carol, _ := set.GetOrCreate("carol", "carol@example.com")
	carol.SetEnabled(false)

	if n := set.CountEnabled("bob"); n != 1 {
		t.Errorf("expected 1 other enabled subscriber, got %d", n)
	}
}

func TestSubscriberSetAllIsSortedByChatID(t *testing.T) {
	set := NewSubscriberSet()
	set.GetOrCreate("carol", "carol@example.com")
	set.GetOrCreate("alice", "alice@example.com")
	set.GetOrCreate("bob", "bob@example.com")

	all := set.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 subscribers, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ChatID > all[i].ChatID {
			t.Fatalf("expected stable chat-id order, got %v", all)
		}
	}
}
