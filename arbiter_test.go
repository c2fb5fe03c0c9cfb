package susanoo

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeNode struct {
	id    string
	order chan string
	block chan struct{}

	mu      sync.Mutex
	runs    []time.Time
	lastArg bool
}

func newFakeNode(id string, order chan string) *fakeNode {
	return &fakeNode{id: id, order: order}
}

func (n *fakeNode) ID() string        { return n.id }
func (n *fakeNode) IsReconnect() bool { return false }
func (n *fakeNode) Shard() *ShardInfo { return nil }

func (n *fakeNode) Run(isLast bool) error {
	n.mu.Lock()
	n.runs = append(n.runs, time.Now())
	n.lastArg = isLast
	n.mu.Unlock()

	if n.order != nil {
		n.order <- n.id
	}
	if n.block != nil {
		<-n.block
	}
	return nil
}

func (n *fakeNode) ranAt(i int) time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.runs[i]
}

func TestControllerRunsNodesInOrder(t *testing.T) {
	t.Parallel()

	controller := newSessionControllerWithInterval(10 * time.Millisecond)
	order := make(chan string, 3)

	for i := 0; i < 3; i++ {
		if err := controller.AppendSession(newFakeNode(fmt.Sprint(i), order)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case id := <-order:
			if id != fmt.Sprint(i) {
				t.Fatalf("node %s ran at position %d", id, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("queue never drained")
		}
	}
}

func TestControllerSpacesIdentifies(t *testing.T) {
	t.Parallel()

	controller := newSessionControllerWithInterval(200 * time.Millisecond)
	order := make(chan string, 2)

	first := newFakeNode("first", order)
	second := newFakeNode("second", order)
	_ = controller.AppendSession(first)
	_ = controller.AppendSession(second)

	for i := 0; i < 2; i++ {
		select {
		case <-order:
		case <-time.After(5 * time.Second):
			t.Fatal("queue never drained")
		}
	}

	gap := second.ranAt(0).Sub(first.ranAt(0))
	if gap < 150*time.Millisecond {
		t.Fatalf("identifies %v apart, want the configured spacing", gap)
	}
}

func TestControllerRemoveSession(t *testing.T) {
	t.Parallel()

	controller := newSessionControllerWithInterval(10 * time.Millisecond)
	order := make(chan string, 4)

	blocker := newFakeNode("blocker", order)
	blocker.block = make(chan struct{})
	removed := newFakeNode("removed", order)

	_ = controller.AppendSession(blocker)
	select {
	case <-order:
	case <-time.After(5 * time.Second):
		t.Fatal("blocker never started")
	}

	_ = controller.AppendSession(removed)
	controller.RemoveSession(removed)
	close(blocker.block)

	select {
	case id := <-order:
		t.Fatalf("node %s ran after removal", id)
	case <-time.After(300 * time.Millisecond):
	}
}
