package chain

import "testing"

type testReq struct {
	Node[testReq]
	id int
}

func newReq(id int) *testReq {
	r := &testReq{id: id}
	r.Init(r)

	return r
}

func collect(head *Node[testReq]) []int {
	var ids []int
	for n := head.NextNode(); n != nil; n = n.NextNode() {
		ids = append(ids, n.Value().id)
	}

	return ids
}

func TestLinkOrder(t *testing.T) {
	var head Node[testReq]

	for i := 1; i <= 3; i++ {
		head.Link(&newReq(i).Node)
	}

	got := collect(&head)
	want := []int{1, 2, 3}

	if len(got) != len(want) {
		t.Fatalf("expected %d elements, got %d", len(want), len(got))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestUnlinkMiddle(t *testing.T) {
	var head Node[testReq]

	reqs := []*testReq{newReq(1), newReq(2), newReq(3)}
	for _, r := range reqs {
		head.Link(&r.Node)
	}

	next := reqs[1].Unlink()
	if next == nil || next.Value().id != 3 {
		t.Fatal("expected Unlink to return the following node")
	}

	got := collect(&head)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("expected [1 3], got %v", got)
	}

	// Detached node is reusable.
	if reqs[1].NextNode() != nil {
		t.Error("detached node still linked")
	}

	head.Link(&reqs[1].Node)

	got = collect(&head)
	if len(got) != 3 || got[2] != 2 {
		t.Errorf("expected [1 3 2], got %v", got)
	}
}

func TestUnlinkHead(t *testing.T) {
	var head Node[testReq]

	reqs := []*testReq{newReq(1), newReq(2)}
	for _, r := range reqs {
		head.Link(&r.Node)
	}

	// Detach the whole chain from the head, element by element.
	n := head.NextNode()
	for n != nil {
		n = n.Unlink()
	}

	if !head.Empty() {
		t.Error("expected empty chain")
	}
}

func TestCompletionFlag(t *testing.T) {
	r := newReq(1)

	if r.IsComplete() {
		t.Error("new request must not be complete")
	}

	r.SetComplete()

	if !r.IsComplete() {
		t.Error("expected completion flag set")
	}

	// Init resets the flag for pooled reuse.
	r.Init(r)

	if r.IsComplete() {
		t.Error("Init must reset the completion flag")
	}
}
