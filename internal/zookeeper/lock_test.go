package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeZK 只实现锁用到的那几个操作。
type fakeZK struct {
	mu       sync.Mutex
	seq      int
	nodes    map[string]bool
	watchers map[string][]chan zk.Event
}

func newFakeZK() *fakeZK {
	return &fakeZK{nodes: map[string]bool{}, watchers: map[string][]chan zk.Event{}}
}

func (f *fakeZK) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[path], nil, nil
}

func (f *fakeZK) Create(path string, _ []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodes[path] {
		return "", zk.ErrNodeExists
	}
	f.nodes[path] = true
	return path, nil
}

func (f *fakeZK) CreateProtectedEphemeralSequential(path string, _ []byte, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	dir := path[:strings.LastIndex(path, "/")]
	name := fmt.Sprintf("%s/_c_guid%d-lock-%010d", dir, f.seq, f.seq)
	f.nodes[name] = true
	return name, nil
}

func (f *fakeZK) Children(path string) ([]string, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.nodes {
		if strings.HasPrefix(n, path+"/") {
			out = append(out, strings.TrimPrefix(n, path+"/"))
		}
	}
	return out, nil, nil
}

func (f *fakeZK) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan zk.Event, 1)
	f.watchers[path] = append(f.watchers[path], ch)
	return f.nodes[path], nil, ch, nil
}

func (f *fakeZK) Delete(path string, _ int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.nodes[path] {
		return zk.ErrNoNode
	}
	delete(f.nodes, path)
	for _, ch := range f.watchers[path] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: path}
	}
	delete(f.watchers, path)
	return nil
}

func TestDistributedLock_SecondHolderWaitsForFirst(t *testing.T) {
	fake := newFakeZK()
	path := lockRoot + "/reconciler"
	first := &DistributedLock{conn: fake, path: path}
	second := &DistributedLock{conn: fake, path: path}

	ctx := context.Background()
	require.NoError(t, first.Lock(ctx))

	acquired := make(chan error, 1)
	go func() { acquired <- second.Lock(ctx) }()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Unlock())
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second lock was not acquired after release")
	}
	require.NoError(t, second.Unlock())
	assert.ErrorIs(t, second.Unlock(), ErrNotLocked)
}

func TestDistributedLock_ContextCancelRemovesNode(t *testing.T) {
	fake := newFakeZK()
	path := lockRoot + "/reconciler"
	holder := &DistributedLock{conn: fake, path: path}
	waiter := &DistributedLock{conn: fake, path: path}
	require.NoError(t, holder.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := waiter.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	children, _, _ := fake.Children(path)
	assert.Len(t, children, 1, "waiter's node must be removed")
}
