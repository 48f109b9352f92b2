// internal/zookeeper/conn.go
package zookeeper

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"
)

// Conn 封装 ZooKeeper 连接。
type Conn struct {
	*zk.Conn
}

// Connect 连接 ZooKeeper 集群。
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("zookeeper servers are empty")
	}
	c, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper: %w", err)
	}
	log.Info().Strs("servers", servers).Msg("✅ Connected to ZooKeeper.")
	return &Conn{Conn: c}, nil
}

// ensurePath 逐级创建持久节点，已存在时忽略。
func (c *Conn) ensurePath(path string) error {
	exists, _, err := c.Exists(path)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = c.Create(path, []byte(""), 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create node %s: %w", path, err)
	}
	return nil
}
