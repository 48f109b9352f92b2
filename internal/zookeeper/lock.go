// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/rally_locks" // 所有分布式锁的根节点
)

// ErrNotLocked 释放一个没有持有的锁。
var ErrNotLocked = errors.New("no lock to unlock")

// lockConn 是锁需要的 ZooKeeper 操作，*Conn 满足它。
type lockConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateProtectedEphemeralSequential(path string, data []byte, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Delete(path string, version int32) error
}

// DistributedLock 基于临时顺序节点的分布式锁。
type DistributedLock struct {
	conn     lockConn
	path     string // 例如 /rally_locks/ledger-reconciler
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建锁，并确保父节点存在。
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	lockPath := lockRoot + "/" + resourceID
	for _, p := range []string{lockRoot, lockPath} {
		if err := conn.ensurePath(p); err != nil {
			return nil, err
		}
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

// Lock 阻塞直到拿到锁或 ctx 结束。
func (l *DistributedLock) Lock(ctx context.Context) error {
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath

	for {
		prev, err := l.predecessor()
		if err != nil {
			l.abandon()
			return err
		}
		if prev == "" {
			return nil
		}

		exists, _, eventChan, err := l.conn.ExistsW(prev)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
			// 前一个节点有变化，重新检查
		case <-ctx.Done():
			l.abandon()
			return ctx.Err()
		}
	}
}

// predecessor 返回排在自己前面的节点，自己最小时返回空串。
func (l *DistributedLock) predecessor() (string, error) {
	children, _, err := l.conn.Children(l.path)
	if err != nil {
		return "", fmt.Errorf("failed to get children nodes: %w", err)
	}
	// protected 节点带有 _c_<guid>- 前缀，按序号排序
	sort.Slice(children, func(i, j int) bool { return sequence(children[i]) < sequence(children[j]) })

	myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
	for i, child := range children {
		if child == myNodeName {
			if i == 0 {
				return "", nil
			}
			return l.path + "/" + children[i-1], nil
		}
	}
	return "", errors.New("own lock node disappeared, session may have expired")
}

func sequence(node string) string {
	if i := strings.LastIndex(node, "lock-"); i >= 0 {
		return node[i+len("lock-"):]
	}
	return node
}

func (l *DistributedLock) abandon() {
	if l.lockNode != "" {
		_ = l.conn.Delete(l.lockNode, -1)
		l.lockNode = ""
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return ErrNotLocked
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}
