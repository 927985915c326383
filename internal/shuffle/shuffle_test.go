package shuffle

import (
	"reflect"
	"testing"
)

var peers = []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf"}

func TestFixedDeterministic(t *testing.T) {
	a := Fixed(peers, "room-1:1700000000000")
	b := Fixed(peers, "room-1:1700000000000")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed produced different orders:\n%v\n%v", a, b)
	}

	c := Fixed(peers, "room-2:1700000000000")
	if reflect.DeepEqual(a, c) {
		t.Fatalf("different seeds produced the same order: %v", a)
	}
}

func TestPerIndexDeterministic(t *testing.T) {
	a := PerIndex(peers, "appeal-1:42")
	b := PerIndex(peers, "appeal-1:42")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed produced different orders:\n%v\n%v", a, b)
	}
}

// The permutations are wire policy: these pinned orders must never change,
// or independently computed moderator panels stop matching.
func TestKnownPermutations(t *testing.T) {
	got := PerIndex(peers, "appeal-1:42")
	want := []string{"foxtrot", "alpha", "delta", "echo", "bravo", "golf", "charlie"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("PerIndex = %v, want %v", got, want)
	}

	got = Fixed(peers, "c0f1452ebdfb959e1b9ea4522ccaa7776efbedc7bb76535434e39b5314eedf9f")
	want = []string{"alpha", "bravo", "charlie", "golf", "delta", "echo", "foxtrot"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Fixed = %v, want %v", got, want)
	}
}

func TestShuffleIsPermutation(t *testing.T) {
	for _, out := range [][]string{Fixed(peers, "s"), PerIndex(peers, "s")} {
		if len(out) != len(peers) {
			t.Fatalf("length changed: %v", out)
		}
		seen := map[string]bool{}
		for _, p := range out {
			seen[p] = true
		}
		for _, p := range peers {
			if !seen[p] {
				t.Fatalf("%q lost in shuffle %v", p, out)
			}
		}
	}
}

func TestInputNotMutated(t *testing.T) {
	in := append([]string(nil), peers...)
	Fixed(in, "s")
	PerIndex(in, "s")
	if !reflect.DeepEqual(in, peers) {
		t.Fatalf("input slice mutated: %v", in)
	}
}
