package registry

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"
)

func TestJoinIsIdempotent(t *testing.T) {
	r := New()

	if !r.Join("chat:1", "s1") {
		t.Error("first join should report a new member")
	}
	if r.Join("chat:1", "s1") {
		t.Error("second join should be a no-op")
	}
	if got := r.MembersOf("chat:1"); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Errorf("expected [s1], got %v", got)
	}
}

func TestLeaveNonMemberIsNoop(t *testing.T) {
	r := New()
	if r.Leave("chat:1", "s1") {
		t.Error("leaving an absent channel should report false")
	}
	r.Join("chat:1", "s1")
	if r.Leave("chat:1", "s2") {
		t.Error("leaving as a non-member should report false")
	}
	if got := r.MembersOf("chat:1"); len(got) != 1 {
		t.Errorf("membership changed: %v", got)
	}
}

func TestAbsentChannelIsEmpty(t *testing.T) {
	r := New()
	if got := r.MembersOf("nowhere"); len(got) != 0 {
		t.Errorf("expected empty, got %v", got)
	}
}

func TestRemoveSession(t *testing.T) {
	r := New()
	r.Join("a", "s1")
	r.Join("b", "s1")
	r.Join("b", "s2")

	left := r.RemoveSession("s1")
	if !reflect.DeepEqual(left, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", left)
	}
	if got := r.MembersOf("b"); !reflect.DeepEqual(got, []string{"s2"}) {
		t.Errorf("expected [s2], got %v", got)
	}
	if r.ChannelCount() != 1 {
		t.Errorf("expected the emptied channel to be dropped, have %d", r.ChannelCount())
	}
	if got := r.ChannelsOf("s1"); len(got) != 0 {
		t.Errorf("expected no channels for s1, got %v", got)
	}
}

// Random subscribe/unsubscribe sequences must leave MembersOf equal to a
// reference set maintained alongside.
func TestMembershipMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sessions := []string{"s1", "s2", "s3", "s4"}
	r := New()
	model := map[string]bool{}

	for i := 0; i < 500; i++ {
		s := sessions[rng.Intn(len(sessions))]
		if rng.Intn(2) == 0 {
			r.Join("chat:1", s)
			model[s] = true
		} else {
			r.Leave("chat:1", s)
			delete(model, s)
		}

		var want []string
		for s := range model {
			want = append(want, s)
		}
		sort.Strings(want)
		if got := r.MembersOf("chat:1"); !reflect.DeepEqual(got, want) {
			t.Fatalf("step %d: expected %v, got %v", i, want, got)
		}
	}
}
