package campaigns

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs the test suites; the server
// binary always uses the Postgres Repository.
type MemStore struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
	messages  map[string][]*Message
	policies  map[string]*RetryPolicy
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		campaigns: make(map[string]*Campaign),
		messages:  make(map[string][]*Message),
		policies:  make(map[string]*RetryPolicy),
	}
}

func copyCampaign(c *Campaign) *Campaign {
	out := *c
	return &out
}

func copyMessage(m *Message) *Message {
	out := *m
	if m.Variables != nil {
		out.Variables = make(map[string]string, len(m.Variables))
		for k, v := range m.Variables {
			out.Variables[k] = v
		}
	}
	return &out
}

func (s *MemStore) CreateCampaign(ctx context.Context, c *Campaign, msgs []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = copyCampaign(c)
	rows := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, copyMessage(m))
	}
	s.messages[c.ID] = rows
	return nil
}

func (s *MemStore) Campaign(ctx context.Context, id string) (*Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCampaign(c), nil
}

func (s *MemStore) CampaignsByStatus(ctx context.Context, statuses ...Status) ([]*Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Campaign
	for _, c := range s.campaigns {
		for _, st := range statuses {
			if c.Status == st {
				out = append(out, copyCampaign(c))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) DeleteCampaign(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[id]; !ok {
		return ErrNotFound
	}
	delete(s.campaigns, id)
	delete(s.messages, id)
	delete(s.policies, id)
	return nil
}

func (s *MemStore) SetStatus(ctx context.Context, id string, st Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = st
	t := at
	switch st {
	case StatusRunning:
		if c.StartedAt == nil {
			c.StartedAt = &t
		} else {
			c.ResumedAt = &t
		}
	case StatusPaused:
		c.PausedAt = &t
	case StatusCompleted:
		c.CompletedAt = &t
	case StatusStopped:
		c.StoppedAt = &t
	}
	return nil
}

func (s *MemStore) SetLastError(ctx context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.LastError = msg
	return nil
}

func (s *MemStore) RecountCampaign(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	var sent, failed, skipped int
	for _, m := range s.messages[id] {
		switch m.Status {
		case MessageSent:
			sent++
		case MessageFailed:
			failed++
		case MessageSkipped:
			skipped++
		}
	}
	c.SentCount, c.FailedCount, c.SkippedCount = sent, failed, skipped
	return nil
}

func (s *MemStore) message(campaignID string, index int) (*Message, *Campaign, error) {
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	for _, m := range s.messages[campaignID] {
		if m.Index == index {
			return m, c, nil
		}
	}
	return nil, nil, ErrMessageNotFound
}

func (s *MemStore) ReserveNextPending(ctx context.Context, campaignID string, at time.Time) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, ErrNotFound
	}
	var best *Message
	for _, m := range s.messages[campaignID] {
		if m.Status != MessagePending {
			continue
		}
		if best == nil || m.QueuePos < best.QueuePos ||
			(m.QueuePos == best.QueuePos && m.Index < best.Index) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}
	t := at
	best.Status = MessageProcessing
	best.Attempts++
	best.ProcessingStartedAt = &t
	c.CurrentIndex = best.Index
	return copyMessage(best), nil
}

func (s *MemStore) ReserveForRetry(ctx context.Context, campaignID string, index int, at time.Time) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, c, err := s.message(campaignID, index)
	if err != nil {
		return nil, err
	}
	if m.Status != MessageFailed {
		return nil, nil
	}
	t := at
	m.Status = MessageProcessing
	m.Attempts++
	m.ProcessingStartedAt = &t
	if c.FailedCount > 0 {
		c.FailedCount--
	}
	return copyMessage(m), nil
}

func (s *MemStore) ReleaseMessage(ctx context.Context, campaignID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, _, err := s.message(campaignID, index)
	if err != nil {
		return err
	}
	if m.Status != MessageProcessing {
		return nil
	}
	m.Status = MessagePending
	if m.Attempts > 0 {
		m.Attempts--
	}
	m.ProcessingStartedAt = nil
	return nil
}

func (s *MemStore) RequeueMessage(ctx context.Context, campaignID string, index int, queuePos float64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, c, err := s.message(campaignID, index)
	if err != nil {
		return err
	}
	if m.Status != MessageProcessing && m.Status != MessageFailed {
		return nil
	}
	if m.Status == MessageFailed && c.FailedCount > 0 {
		c.FailedCount--
	}
	t := at
	m.Status = MessagePending
	m.QueuePos = queuePos
	m.LastError = reason
	m.ScheduledAt = &t
	m.ProcessingStartedAt = nil
	return nil
}

func (s *MemStore) MarkSent(ctx context.Context, campaignID string, index int, messengerID, rendered string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, c, err := s.message(campaignID, index)
	if err != nil {
		return err
	}
	t := at
	m.Status = MessageSent
	m.MessengerID = messengerID
	m.RenderedText = rendered
	m.SentAt = &t
	m.LastError = ""
	c.SentCount++
	return nil
}

func (s *MemStore) MarkFailed(ctx context.Context, campaignID string, index int, reason string, terminal bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, c, err := s.message(campaignID, index)
	if err != nil {
		return err
	}
	t := at
	m.Status = MessageFailed
	m.LastError = reason
	m.FailedAt = &t
	if terminal && m.Attempts < m.MaxAttempts {
		m.Attempts = m.MaxAttempts
	}
	c.FailedCount++
	return nil
}

func (s *MemStore) MarkSkipped(ctx context.Context, campaignID string, index int, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, c, err := s.message(campaignID, index)
	if err != nil {
		return err
	}
	m.Status = MessageSkipped
	m.LastError = reason
	c.SkippedCount++
	return nil
}

func (s *MemStore) ResetFailed(ctx context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return 0, ErrNotFound
	}
	count := 0
	for _, m := range s.messages[campaignID] {
		if m.Status == MessageFailed && m.Attempts < m.MaxAttempts {
			m.Status = MessagePending
			count++
		}
	}
	c.FailedCount -= count
	if c.FailedCount < 0 {
		c.FailedCount = 0
	}
	return count, nil
}

func (s *MemStore) ResetStuck(ctx context.Context, campaignID string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, msgs := range s.messages {
		if campaignID != "" && id != campaignID {
			continue
		}
		for _, m := range msgs {
			if m.Status != MessageProcessing {
				continue
			}
			if m.ProcessingStartedAt != nil && m.ProcessingStartedAt.After(olderThan) {
				continue
			}
			m.Status = MessagePending
			if m.Attempts > 0 {
				m.Attempts--
			}
			m.ProcessingStartedAt = nil
			m.LastError = "processing timeout"
			count++
		}
	}
	return count, nil
}

func (s *MemStore) QueueStats(ctx context.Context, campaignID string) (QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaignID]; !ok {
		return QueueStats{}, ErrNotFound
	}
	var st QueueStats
	for _, m := range s.messages[campaignID] {
		switch m.Status {
		case MessagePending:
			st.Pending++
		case MessageProcessing:
			st.Processing++
		case MessageSent:
			st.Sent++
		case MessageFailed:
			st.Failed++
		case MessageSkipped:
			st.Skipped++
		}
	}
	return st, nil
}

func (s *MemStore) PendingMessages(ctx context.Context, campaignID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages[campaignID] {
		if m.Status == MessagePending {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuePos != out[j].QueuePos {
			return out[i].QueuePos < out[j].QueuePos
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (s *MemStore) RetryableMessages(ctx context.Context, campaignID string, failedBefore time.Time, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages[campaignID] {
		if m.Status != MessageFailed || m.Attempts >= m.MaxAttempts {
			continue
		}
		if m.FailedAt != nil && !m.FailedAt.Before(failedBefore) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].FailedAt, out[j].FailedAt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		}
		return ti.Before(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) MessagesByIndexes(ctx context.Context, campaignID string, indexes []int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		want[i] = true
	}
	var out []*Message
	for _, m := range s.messages[campaignID] {
		if want[m.Index] {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (s *MemStore) NthPendingPos(ctx context.Context, campaignID string, n int) (float64, bool, error) {
	pending, err := s.PendingMessages(ctx, campaignID)
	if err != nil {
		return 0, false, err
	}
	if n < 1 || n > len(pending) {
		return 0, false, nil
	}
	return pending[n-1].QueuePos, true, nil
}

func (s *MemStore) CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, m := range s.messages[campaignID] {
		if m.Status == MessageSent && m.SentAt != nil && !m.SentAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemStore) GetRetryPolicy(ctx context.Context, campaignID string) (*RetryPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[campaignID]
	if !ok {
		return nil, nil
	}
	out := *p
	return &out, nil
}

func (s *MemStore) SaveRetryPolicy(ctx context.Context, p *RetryPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.policies[p.CampaignID] = &cp
	return nil
}

func (s *MemStore) EnabledRetryPolicies(ctx context.Context) ([]*RetryPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RetryPolicy
	for _, p := range s.policies {
		if p.Enabled {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}

func (s *MemStore) BumpRetryCounters(ctx context.Context, campaignID string, attempted, succeeded, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[campaignID]
	if !ok {
		return nil
	}
	p.Attempted += attempted
	p.Succeeded += succeeded
	p.Failed += failed
	return nil
}

func (s *MemStore) Ping(ctx context.Context) error { return nil }
