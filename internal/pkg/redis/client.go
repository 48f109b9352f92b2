// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Client 封装 go-redis，并管理 Lua 脚本。
type Client struct {
	rdb     goredis.UniversalClient
	scripts map[string]*goredis.Script
	mu      sync.RWMutex
}

// NewClient 根据逗号分隔的地址创建客户端，多个地址时使用集群模式。
func NewClient(addrs, password string, db int) (*Client, error) {
	list := strings.Split(addrs, ",")
	if len(list) == 0 || list[0] == "" {
		return nil, errors.New("redis address is empty")
	}
	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    list,
		Password: password,
		DB:       db,
	})
	return &Client{rdb: rdb, scripts: make(map[string]*goredis.Script)}, nil
}

// NewFromUniversal 包装一个已有的客户端（测试里用 miniredis 之类的替身时很方便）。
func NewFromUniversal(rdb goredis.UniversalClient) *Client {
	return &Client{rdb: rdb, scripts: make(map[string]*goredis.Script)}
}

// Ping 检查连接。
func (c *Client) Ping(ctx context.Context) error {
	return errors.Wrap(c.rdb.Ping(ctx).Err(), "redis ping")
}

// LoadScriptFromContent 注册 Lua 脚本。执行时先 EVALSHA，缺失时自动回退 EVAL。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("script %s is empty", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = goredis.NewScript(content)
	return nil
}

// RunScript 执行已注册的脚本。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %s is not loaded", name)
	}
	res, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "run script %s", name)
	}
	return res, nil
}

// GetClient 返回底层客户端。
func (c *Client) GetClient() goredis.UniversalClient {
	return c.rdb
}

// Close 关闭连接。
func (c *Client) Close() error {
	return c.rdb.Close()
}
