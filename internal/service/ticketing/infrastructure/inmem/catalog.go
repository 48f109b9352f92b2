package inmem

import (
	"context"
	"fmt"
	"sync"

	"rally/internal/service/ticketing/domain"
)

// Catalog 内存版活动、奖励和会员目录。
type Catalog struct {
	mu      sync.RWMutex
	events  map[string]domain.Event
	rewards map[string]domain.RewardDefinition
	order   []string
	tiers   map[string]string
}

func NewCatalog() *Catalog {
	return &Catalog{
		events:  make(map[string]domain.Event),
		rewards: make(map[string]domain.RewardDefinition),
		tiers:   make(map[string]string),
	}
}

func (c *Catalog) PutEvent(e domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[e.ID] = e
}

func (c *Catalog) PutReward(r domain.RewardDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rewards[r.ID]; !ok {
		c.order = append(c.order, r.ID)
	}
	c.rewards[r.ID] = r
}

func (c *Catalog) PutTier(clubID, userID, tier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers[clubID+"/"+userID] = tier
}

func (c *Catalog) FindByID(_ context.Context, id string) (*domain.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.events[id]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("event %s", id), nil)
	}
	return &e, nil
}

func (c *Catalog) ActiveRewards(_ context.Context, clubID string) ([]domain.RewardDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.RewardDefinition
	for _, id := range c.order {
		r := c.rewards[id]
		if r.ClubID == clubID && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Catalog) FindReward(_ context.Context, id string) (*domain.RewardDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rewards[id]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("reward %s", id), nil)
	}
	return &r, nil
}

func (c *Catalog) Tier(_ context.Context, clubID, userID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tiers[clubID+"/"+userID], nil
}
