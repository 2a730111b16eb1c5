// Package idtags loads authorization token lists from template-referenced
// files and hands them out to the transaction generators.
package idtags

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/cache"
)

// Distribution selects how tags are assigned to consecutive sessions.
const (
	DistributionRoundRobin = "round-robin"
	DistributionRandom     = "random"
	DistributionConnector  = "connector-affinity"
)

const cacheTTL = 5 * time.Minute

// Source is a loaded idTag list. It implements the station's IDTagSource.
type Source struct {
	distribution string

	mu      sync.Mutex
	tags    []string
	set     map[string]struct{}
	cursors map[int]int
}

// Load reads an idTag list. The shared cache keeps one copy per file so a
// thousand stations referencing the same list parse it once per TTL.
func Load(path, distribution string, store cache.Cache, log *zap.Logger) (*Source, error) {
	raw, err := loadRaw(path, store, log)
	if err != nil {
		return nil, err
	}

	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("idtags: parse %s: %w", path, err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("idtags: %s holds no tags", path)
	}

	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}

	if distribution == "" {
		distribution = DistributionRoundRobin
	}
	switch distribution {
	case DistributionRoundRobin, DistributionRandom, DistributionConnector:
	default:
		return nil, fmt.Errorf("idtags: unknown distribution %q", distribution)
	}

	log.Info("IdTag list loaded",
		zap.String("file", path),
		zap.Int("tags", len(tags)),
		zap.String("distribution", distribution),
	)
	return &Source{
		distribution: distribution,
		tags:         tags,
		set:          set,
		cursors:      make(map[int]int),
	}, nil
}

func loadRaw(path string, store cache.Cache, log *zap.Logger) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cacheKey := "idtags:" + path
	if store != nil {
		if cached, err := store.Get(ctx, cacheKey); err == nil && cached != "" {
			return []byte(cached), nil
		}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("idtags: read %s: %w", path, err)
	}

	if store != nil {
		if err := store.Set(ctx, cacheKey, raw, cacheTTL); err != nil {
			log.Warn("Failed to cache idTag list", zap.String("file", path), zap.Error(err))
		}
	}
	return raw, nil
}

// Next returns the tag for the connector's next session.
func (s *Source) Next(connectorID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tags) == 0 {
		return "", false
	}

	switch s.distribution {
	case DistributionRandom:
		return s.tags[rand.Intn(len(s.tags))], true
	case DistributionConnector:
		// A connector always charges with "its" tag.
		return s.tags[connectorID%len(s.tags)], true
	default:
		cursor := s.cursors[connectorID]
		tag := s.tags[cursor%len(s.tags)]
		s.cursors[connectorID] = cursor + 1
		return tag, true
	}
}

// Contains reports list membership; it backs the local authorization list.
func (s *Source) Contains(idTag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[idTag]
	return ok
}

// Len returns the number of loaded tags.
func (s *Source) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tags)
}
