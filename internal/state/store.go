// Package state holds the fused view of every tracked work item, combining
// pod watch events and polled PR state. Access is serialized per work item;
// unrelated items never contend.
package state

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

const shardCount = 32

type shard struct {
	mu    sync.Mutex
	items map[string]*model.WorkItem
}

// Store is the fused state store keyed by task ID. The zero value is not
// usable; construct with NewStore.
type Store struct {
	shards [shardCount]*shard
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{items: make(map[string]*model.WorkItem)}
	}
	return s
}

func (s *Store) shardFor(taskID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	return s.shards[h.Sum32()%shardCount]
}

// Update applies fn to the work item for taskID under that item's lock,
// creating the item on first reference. fn sees the live item and may
// mutate it freely; LastUpdated is bumped afterwards. The returned snapshot
// is a deep copy safe to hand to the rule evaluator without holding the lock.
func (s *Store) Update(taskID string, fn func(item *model.WorkItem)) model.WorkItem {
	sh := s.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	item, ok := sh.items[taskID]
	if !ok {
		item = &model.WorkItem{TaskID: taskID}
		sh.items[taskID] = item
	}
	fn(item)
	item.LastUpdated = time.Now()

	return snapshot(item)
}

// Get returns a deep-copied snapshot of the work item, if tracked.
func (s *Store) Get(taskID string) (model.WorkItem, bool) {
	sh := s.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	item, ok := sh.items[taskID]
	if !ok {
		return model.WorkItem{}, false
	}
	return snapshot(item), true
}

// List returns snapshots of all tracked work items.
func (s *Store) List() []model.WorkItem {
	var out []model.WorkItem
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, item := range sh.items {
			out = append(out, snapshot(item))
		}
		sh.mu.Unlock()
	}
	return out
}

// ActiveTasks returns the task IDs of non-terminal items, i.e. the polling
// set. Items without a PR reference are included: the fetcher discovers the
// PR by task label on the first round.
func (s *Store) ActiveTasks() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, item := range sh.items {
			if !item.Terminal {
				out = append(out, id)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// MarkTerminal flags the item terminal and prunes its accumulated comment
// and pod history. Items are never deleted, only marked.
func (s *Store) MarkTerminal(taskID string) {
	sh := s.shardFor(taskID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	item, ok := sh.items[taskID]
	if !ok {
		return
	}
	item.Terminal = true
	item.Comments = nil
	item.Pod = nil
	item.PodFirstSeen = time.Time{}
	item.LastUpdated = time.Now()
}

// Count returns the number of tracked work items.
func (s *Store) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.items)
		sh.mu.Unlock()
	}
	return n
}

func snapshot(item *model.WorkItem) model.WorkItem {
	cp := *item
	if item.Pod != nil {
		pod := *item.Pod
		pod.Containers = append([]model.ContainerStatus(nil), item.Pod.Containers...)
		if item.Pod.Labels != nil {
			pod.Labels = make(map[string]string, len(item.Pod.Labels))
			for k, v := range item.Pod.Labels {
				pod.Labels[k] = v
			}
		}
		cp.Pod = &pod
	}
	cp.Comments = append([]model.CommentRecord(nil), item.Comments...)
	if item.PR != nil {
		pr := *item.PR
		pr.Checks = append([]model.CheckResult(nil), item.PR.Checks...)
		pr.Reviews = append([]model.Review(nil), item.PR.Reviews...)
		cp.PR = &pr
	}
	return cp
}
