package util

import "testing"

func TestObserversNotifyInOrderAndUnsubscribe(t *testing.T) {
	var obs Observers[int]
	var got []string

	offA := obs.Add(func(v int) { got = append(got, "a") })
	obs.Add(func(v int) { got = append(got, "b") })

	obs.Notify(1)
	offA()
	offA()
	obs.Notify(2)

	want := []string{"a", "b", "b"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if obs.Len() != 1 {
		t.Fatalf("expected 1 observer left, got %d", obs.Len())
	}
}

func TestObserverMayUnsubscribeItself(t *testing.T) {
	var obs Observers[struct{}]
	calls := 0

	var off func()
	off = obs.Add(func(struct{}) {
		calls++
		off()
	})

	obs.Notify(struct{}{})
	obs.Notify(struct{}{})

	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}
