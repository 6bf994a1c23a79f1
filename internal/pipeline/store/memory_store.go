// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/storymill/internal/pipeline/model"
)

// MemoryStore is an in-memory Store for tests and local iteration. Not
// durable; claim semantics match the SQLite store so scheduler tests run
// against either.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	tasks    map[string]*model.Task
	byPage   map[string]string // planning_page_id -> task id
	channels map[string]*model.Channel
	creds    map[string]*model.Credential // channelID+"/"+service

	globalCount map[model.Service]int
	globalCap   map[model.Service]int
	windows     map[string]*windowState // channelID+"/"+service

	syncSeq  int64
	syncJobs map[int64]*model.SyncJob
}

type windowState struct {
	start time.Time
	count int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		tasks:       make(map[string]*model.Task),
		byPage:      make(map[string]string),
		channels:    make(map[string]*model.Channel),
		creds:       make(map[string]*model.Credential),
		globalCount: make(map[model.Service]int),
		globalCap:   make(map[model.Service]int),
		windows:     make(map[string]*windowState),
		syncJobs:    make(map[int64]*model.SyncJob),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// SetNowFunc overrides the clock. Test hook.
func (m *MemoryStore) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func copyTask(t *model.Task) *model.Task {
	cp := *t
	if t.ClaimedAt != nil {
		v := *t.ClaimedAt
		cp.ClaimedAt = &v
	}
	if t.NextRetryAt != nil {
		v := *t.NextRetryAt
		cp.NextRetryAt = &v
	}
	if t.ReviewApprovedAt != nil {
		v := *t.ReviewApprovedAt
		cp.ReviewApprovedAt = &v
	}
	return &cp
}

func copyChannel(ch *model.Channel) *model.Channel {
	cp := *ch
	if ch.Branding != nil {
		cp.Branding = make(map[string]string, len(ch.Branding))
		for k, v := range ch.Branding {
			cp.Branding[k] = v
		}
	}
	cp.AutoApprove = append([]model.Gate(nil), ch.AutoApprove...)
	if ch.LastClaimedAt != nil {
		v := *ch.LastClaimedAt
		cp.LastClaimedAt = &v
	}
	return &cp
}

func (m *MemoryStore) Enqueue(ctx context.Context, req model.EnqueueRequest) (*model.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()

	if id, ok := m.byPage[req.PlanningPageID]; ok {
		existing := m.tasks[id]
		if existing.Status.IsActive() {
			return nil, false, fmt.Errorf("planning page %s: %w", req.PlanningPageID, model.ErrDuplicateTask)
		}
		if err := existing.Advance(model.StatusQueued); err != nil {
			return nil, false, err
		}
		existing.Stage = model.StageAssets
		existing.RetryCount = 0
		existing.LastError = ""
		existing.NextRetryAt = nil
		existing.ReviewApprovedAt = nil
		existing.ClaimedAt = nil
		existing.ClaimedBy = ""
		if req.Title != "" {
			existing.Title = req.Title
		}
		if req.Topic != "" {
			existing.Topic = req.Topic
		}
		if req.StoryDirection != "" {
			existing.StoryDirection = req.StoryDirection
		}
		existing.Priority = req.Priority
		existing.UpdatedAt = now
		return copyTask(existing), false, nil
	}

	ch, ok := m.channels[req.ChannelID]
	if !ok {
		return nil, false, fmt.Errorf("channel %s: %w", req.ChannelID, model.ErrNotFound)
	}

	status := model.StatusQueued
	if req.Draft {
		status = model.StatusDraft
	}
	task := &model.Task{
		ID:             uuid.NewString(),
		ChannelID:      req.ChannelID,
		ChannelKey:     ch.Key,
		PlanningPageID: req.PlanningPageID,
		Title:          req.Title,
		Topic:          req.Topic,
		StoryDirection: req.StoryDirection,
		Status:         status,
		Stage:          model.StageAssets,
		Priority:       req.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.tasks[task.ID] = task
	m.byPage[task.PlanningPageID] = task.ID
	return copyTask(task), true, nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyTask(t), nil
}

func (m *MemoryStore) GetTaskByPage(ctx context.Context, pageID string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPage[pageID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyTask(m.tasks[id]), nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Task
	for _, t := range m.tasks {
		if f.ChannelID != "" && t.ChannelID != f.ChannelID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := copyTask(t)
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = m.now().UTC()
	m.tasks[id] = cp
	return copyTask(cp), nil
}

func (m *MemoryStore) ClaimNext(ctx context.Context, workerID string, acquire GateFunc) (*model.Task, func(), error) {
	// Candidate selection runs under the lock; gate acquisition must not,
	// it may hit the network in production wrappers.
	m.mu.Lock()
	now := m.now().UTC()
	candidates := m.claimCandidates(now)
	m.mu.Unlock()

	for _, cand := range candidates {
		stage := cand.ClaimStage()
		if !stage.IsValid() {
			return nil, nil, fmt.Errorf("task %s: status %s is claimable but has no stage", cand.ID, cand.Status)
		}

		release := func() {}
		if acquire != nil {
			rel, err := acquire(ctx, cand.ChannelID, stage.Service())
			if errors.Is(err, model.ErrGateBusy) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			release = rel
		}

		claimed, err := m.tryClaim(cand.ID, workerID, stage, now)
		if err != nil {
			release()
			return nil, nil, err
		}
		if claimed == nil {
			release()
			continue
		}
		return claimed, release, nil
	}
	return nil, nil, nil
}

// claimCandidates mirrors the SQLite CTE: best task per channel, channels
// under their cap, ordered by the round-robin key. Caller holds the lock.
func (m *MemoryStore) claimCandidates(now time.Time) []*model.Task {
	owned := make(map[string]int)
	best := make(map[string]*model.Task)
	for _, t := range m.tasks {
		if t.ClaimedAt != nil {
			owned[t.ChannelID]++
		}
		if !t.Claimable(now) {
			continue
		}
		cur, ok := best[t.ChannelID]
		if !ok || betterCandidate(t, cur) {
			best[t.ChannelID] = t
		}
	}

	var out []*model.Task
	for chID, t := range best {
		ch, ok := m.channels[chID]
		if !ok || !ch.Active {
			continue
		}
		if owned[chID] >= ch.MaxConcurrent {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		a := m.channels[out[i].ChannelID]
		b := m.channels[out[j].ChannelID]
		switch {
		case a.LastClaimedAt == nil && b.LastClaimedAt != nil:
			return true
		case a.LastClaimedAt != nil && b.LastClaimedAt == nil:
			return false
		case a.LastClaimedAt != nil && !a.LastClaimedAt.Equal(*b.LastClaimedAt):
			return a.LastClaimedAt.Before(*b.LastClaimedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func betterCandidate(a, b *model.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) tryClaim(id, workerID string, stage model.Stage, now time.Time) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.ClaimedAt != nil || !t.Claimable(now) {
		return nil, nil // lost the race
	}

	running := stage.RunningStatus()
	if t.Status == model.StatusQueued {
		if err := model.ValidateTransition(model.StatusQueued, model.StatusClaimed); err != nil {
			return nil, err
		}
		if err := model.ValidateTransition(model.StatusClaimed, running); err != nil {
			return nil, err
		}
	} else if err := model.ValidateTransition(t.Status, running); err != nil {
		return nil, err
	}

	t.Status = running
	t.Stage = stage
	claimedAt := now
	t.ClaimedAt = &claimedAt
	t.ClaimedBy = workerID
	t.ReviewApprovedAt = nil
	t.UpdatedAt = now

	if ch, ok := m.channels[t.ChannelID]; ok {
		bumped := now
		ch.LastClaimedAt = &bumped
		ch.UpdatedAt = now
	}
	return copyTask(t), nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Task
	for _, t := range m.tasks {
		if t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	return out, nil
}

func (m *MemoryStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 64
	}
	var out []*model.Task
	for _, t := range m.tasks {
		if t.NextRetryAt != nil && !t.NextRetryAt.After(now) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[model.Status]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	out := make([]StatusCount, 0, len(counts))
	for status, n := range counts {
		out = append(out, StatusCount{Status: status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

func (m *MemoryStore) UpsertChannel(ctx context.Context, ch *model.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	cp := copyChannel(ch)
	cp.UpdatedAt = now
	if existing, ok := m.channels[ch.ID]; ok {
		cp.LastClaimedAt = existing.LastClaimedAt
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.LastClaimedAt = nil
		cp.CreatedAt = now
	}
	m.channels[ch.ID] = cp
	return nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyChannel(ch), nil
}

func (m *MemoryStore) GetChannelByKey(ctx context.Context, key string) (*model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.Key == key {
			return copyChannel(ch), nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *MemoryStore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, copyChannel(ch))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) PutCredential(ctx context.Context, cred *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	cp.Ciphertext = append([]byte(nil), cred.Ciphertext...)
	m.creds[cred.ChannelID+"/"+string(cred.Service)] = &cp
	return nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, channelID string, service model.Service) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[channelID+"/"+string(service)]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *cred
	cp.Ciphertext = append([]byte(nil), cred.Ciphertext...)
	return &cp, nil
}

func (m *MemoryStore) EnsureGlobalCaps(ctx context.Context, caps map[model.Service]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for service, cap := range caps {
		m.globalCap[service] = cap
		if _, ok := m.globalCount[service]; !ok {
			m.globalCount[service] = 0
		}
	}
	return nil
}

func (m *MemoryStore) AcquireGlobal(ctx context.Context, service model.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalCount[service] >= m.globalCap[service] {
		return fmt.Errorf("service %s: %w", service, model.ErrGateBusy)
	}
	m.globalCount[service]++
	return nil
}

func (m *MemoryStore) ReleaseGlobal(ctx context.Context, service model.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.globalCount[service] > 0 {
		m.globalCount[service]--
	}
	return nil
}

func (m *MemoryStore) AcquireWindow(ctx context.Context, channelID string, service model.Service, cap int, window time.Duration) error {
	if cap <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	start := now.Truncate(window)
	key := channelID + "/" + string(service)
	w, ok := m.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &windowState{start: start}
		m.windows[key] = w
	}
	if w.count >= cap {
		return fmt.Errorf("channel %s service %s: %w", channelID, service, model.ErrGateBusy)
	}
	w.count++
	return nil
}

func (m *MemoryStore) ReconcileGlobal(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := make(map[model.Service]int)
	for _, t := range m.tasks {
		if t.ClaimedAt != nil {
			owned[t.Stage.Service()]++
		}
	}
	for service := range m.globalCount {
		m.globalCount[service] = owned[service]
	}
	return nil
}

// GlobalCount returns the live counter for a service. Test hook.
func (m *MemoryStore) GlobalCount(service model.Service) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.globalCount[service]
}

func (m *MemoryStore) EnqueueSync(ctx context.Context, planningPageID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, j := range m.syncJobs {
		if j.PlanningPageID == planningPageID {
			delete(m.syncJobs, id)
		}
	}
	m.syncSeq++
	m.syncJobs[m.syncSeq] = &model.SyncJob{
		ID:             m.syncSeq,
		PlanningPageID: planningPageID,
		Payload:        append([]byte(nil), payload...),
		NextAttemptAt:  m.now().UTC(),
	}
	return nil
}

func (m *MemoryStore) LeaseSyncJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}
	var due []*model.SyncJob
	for _, j := range m.syncJobs {
		if !j.NextAttemptAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	deadline := now.Add(lease)
	out := make([]*model.SyncJob, 0, len(due))
	for _, j := range due {
		cp := *j
		cp.Payload = append([]byte(nil), j.Payload...)
		out = append(out, &cp)
		j.NextAttemptAt = deadline
	}
	return out, nil
}

func (m *MemoryStore) CompleteSyncJob(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.syncJobs, id)
	return nil
}

func (m *MemoryStore) FailSyncJob(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.syncJobs[id]; ok {
		j.Attempts = attempts
		j.NextAttemptAt = nextAttempt
		j.LastError = lastErr
	}
	return nil
}

func (m *MemoryStore) DropSyncJob(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.syncJobs, id)
	return nil
}

func (m *MemoryStore) CountSyncJobs(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.syncJobs), nil
}
