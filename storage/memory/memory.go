// Package memory provides an in-memory implementation of the featuregate.Storage
// and featuregate.GenerationStore interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// Storage implements featuregate.Storage using in-memory maps.
// A single mutex makes every method atomic.
type Storage struct {
	mu          sync.RWMutex
	profiles    map[string]*featuregate.Profile
	periods     map[string]*featuregate.UsagePeriod
	events      map[string][]*featuregate.UsageEvent
	tokens      map[string][]*featuregate.CourseToken
	generations map[string][]*featuregate.GenerationRecord
}

var (
	_ featuregate.Storage         = (*Storage)(nil)
	_ featuregate.GenerationStore = (*Storage)(nil)
)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles:    make(map[string]*featuregate.Profile),
		periods:     make(map[string]*featuregate.UsagePeriod),
		events:      make(map[string][]*featuregate.UsageEvent),
		tokens:      make(map[string][]*featuregate.CourseToken),
		generations: make(map[string][]*featuregate.GenerationRecord),
	}
}

// GetProfile implements featuregate.Storage
func (s *Storage) GetProfile(_ context.Context, userID string) (*featuregate.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, featuregate.ErrProfileNotFound
	}
	return copyProfile(p), nil
}

// SetProfile implements featuregate.Storage
func (s *Storage) SetProfile(_ context.Context, profile *featuregate.Profile) error {
	if profile == nil || profile.UserID == "" {
		return fmt.Errorf("invalid profile")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[profile.UserID] = copyProfile(profile)
	return nil
}

// UpdateTier implements featuregate.Storage
func (s *Storage) UpdateTier(_ context.Context, req *featuregate.TierUpdate) (featuregate.Tier, error) {
	if req == nil || req.UserID == "" {
		return "", fmt.Errorf("invalid tier update")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profileLocked(req.UserID, req.DefaultTier)
	previous := p.Tier
	p.Tier = req.Tier
	if req.Tier == featuregate.TierTrial && p.TrialStartedAt.IsZero() {
		p.TrialStartedAt = req.TrialStartedAt
	}
	p.UpdatedAt = req.At
	return previous, nil
}

// EnsurePeriod implements featuregate.Storage
func (s *Storage) EnsurePeriod(_ context.Context, userID string, period featuregate.Period) (*featuregate.UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return copyPeriod(s.ensurePeriodLocked(userID, period)), nil
}

func (s *Storage) ensurePeriodLocked(userID string, period featuregate.Period) *featuregate.UsagePeriod {
	key := periodKey(userID, period)
	usage, ok := s.periods[key]
	if !ok {
		usage = &featuregate.UsagePeriod{
			UserID:    userID,
			Period:    period,
			Counters:  make(map[featuregate.Feature]int),
			UpdatedAt: period.Start,
		}
		s.periods[key] = usage
	}
	return usage
}

// GetPeriod implements featuregate.Storage
func (s *Storage) GetPeriod(_ context.Context, userID string, period featuregate.Period) (*featuregate.UsagePeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	usage, ok := s.periods[periodKey(userID, period)]
	if !ok {
		return nil, nil // No usage yet is not an error
	}
	return copyPeriod(usage), nil
}

// CountEvents implements featuregate.Storage
func (s *Storage) CountEvents(_ context.Context, userID, eventType string, source featuregate.Source, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.countEventsLocked(userID, eventType, source, since), nil
}

func (s *Storage) countEventsLocked(userID, eventType string, source featuregate.Source, since time.Time) int {
	n := 0
	for _, e := range s.events[userID] {
		if e.EventType != eventType || e.Timestamp.Before(since) {
			continue
		}
		if source != "" && e.Metadata[featuregate.MetadataSource] != string(source) {
			continue
		}
		n++
	}
	return n
}

// ListEvents implements featuregate.Storage
func (s *Storage) ListEvents(_ context.Context, filter featuregate.EventFilter) ([]*featuregate.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*featuregate.UsageEvent
	events := s.events[filter.UserID]
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.Timestamp.After(*filter.Until) {
			continue
		}
		out = append(out, copyEvent(e))
	}

	// newest first; equal timestamps keep reverse insertion order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountUnusedTokens implements featuregate.Storage
func (s *Storage) CountUnusedTokens(_ context.Context, userID, tokenType string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.tokens[userID] {
		if t.TokenType == tokenType && !t.Used {
			n++
		}
	}
	return n, nil
}

// GrantToken implements featuregate.Storage
func (s *Storage) GrantToken(_ context.Context, token *featuregate.CourseToken) error {
	if token == nil || token.UserID == "" || token.ID == "" {
		return fmt.Errorf("invalid course token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenCopy := *token
	s.tokens[token.UserID] = append(s.tokens[token.UserID], &tokenCopy)
	return nil
}

// RolloverWeeklyCredits implements featuregate.Storage
func (s *Storage) RolloverWeeklyCredits(_ context.Context, req *featuregate.RolloverRequest) (*featuregate.RolloverResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profileLocked(req.UserID, req.DefaultTier)
	if p.StarterCreditsResetAt != nil && req.Now.Before(*p.StarterCreditsResetAt) {
		return &featuregate.RolloverResult{
			Current: p.StarterCreditsRemaining,
			ResetAt: *p.StarterCreditsResetAt,
		}, nil
	}

	previous := p.StarterCreditsRemaining
	resetAt := req.NextResetAt
	p.StarterCreditsRemaining = req.Credits
	p.StarterCreditsResetAt = &resetAt
	p.UpdatedAt = req.Now

	s.events[req.UserID] = append(s.events[req.UserID], &featuregate.UsageEvent{
		ID:        req.EventID,
		UserID:    req.UserID,
		EventType: featuregate.EventStarterCreditsReset,
		Metadata:  featuregate.RolloverMetadata(previous, req.Credits),
		Timestamp: req.Now,
	})

	return &featuregate.RolloverResult{
		Applied:  true,
		Previous: previous,
		Current:  req.Credits,
		ResetAt:  resetAt,
	}, nil
}

// ApplyDebit implements featuregate.Storage.
// The guard, the mutation and the audit event happen under one lock.
func (s *Storage) ApplyDebit(_ context.Context, req *featuregate.DebitRequest) (*featuregate.DebitResult, error) {
	if req.Event == nil {
		return nil, fmt.Errorf("debit without audit event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &featuregate.DebitResult{Source: req.Source}
	event := copyEvent(req.Event)
	event.Metadata[featuregate.MetadataSource] = string(req.Source)

	switch req.Source {
	case featuregate.SourceStarterCredits:
		p := s.profileLocked(req.UserID, req.DefaultTier)
		if p.StarterCreditsRemaining <= 0 {
			return nil, featuregate.ErrQuotaExceeded
		}
		p.StarterCreditsRemaining--
		p.UpdatedAt = event.Timestamp
		res.NewUsed = p.StarterCreditsRemaining

	case featuregate.SourceStarterSample:
		p := s.profileLocked(req.UserID, req.DefaultTier)
		if p.StarterAppAssistSampleUsed {
			return nil, featuregate.ErrQuotaExceeded
		}
		p.StarterAppAssistSampleUsed = true
		p.UpdatedAt = event.Timestamp
		res.NewUsed = 1

	case featuregate.SourceCourseToken:
		token := s.oldestUnusedTokenLocked(req.UserID, req.TokenType)
		if token == nil {
			return nil, featuregate.ErrConcurrencyConflict
		}
		usedAt := event.Timestamp
		token.Used = true
		token.UsedAt = &usedAt
		res.TokenID = token.ID
		event.Metadata[featuregate.MetadataTokenID] = token.ID

	case featuregate.SourcePurchase:
		// charged by the purchase ledger; only the audit event is recorded here

	case featuregate.SourceTierAllowance:
		used, err := s.debitAllowanceLocked(req)
		if err != nil {
			return nil, err
		}
		res.NewUsed = used

	default:
		return nil, fmt.Errorf("unknown debit source %q", req.Source)
	}

	s.events[req.UserID] = append(s.events[req.UserID], event)
	return res, nil
}

func (s *Storage) debitAllowanceLocked(req *featuregate.DebitRequest) (int, error) {
	if req.ResetPeriod == featuregate.ResetMonthly {
		usage := s.ensurePeriodLocked(req.UserID, req.Period)
		used := usage.Counters[req.Feature]
		if !req.Limit.IsUnbounded() && used >= int(req.Limit) {
			return 0, featuregate.ErrQuotaExceeded
		}
		usage.Counters[req.Feature] = used + 1
		usage.UpdatedAt = req.Event.Timestamp
		return used + 1, nil
	}

	// trial and lifetime allowances are counted from the event log
	used := s.countEventsLocked(req.UserID, req.Event.EventType, featuregate.SourceTierAllowance, req.CountSince)
	if !req.Limit.IsUnbounded() && used >= int(req.Limit) {
		return 0, featuregate.ErrQuotaExceeded
	}
	return used + 1, nil
}

func (s *Storage) oldestUnusedTokenLocked(userID, tokenType string) *featuregate.CourseToken {
	var oldest *featuregate.CourseToken
	for _, t := range s.tokens[userID] {
		if t.Used || t.TokenType != tokenType {
			continue
		}
		if oldest == nil || t.CreatedAt.Before(oldest.CreatedAt) ||
			(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
			oldest = t
		}
	}
	return oldest
}

// profileLocked returns the stored profile, creating a default one on first mutation
func (s *Storage) profileLocked(userID string, tier featuregate.Tier) *featuregate.Profile {
	p, ok := s.profiles[userID]
	if !ok {
		p = &featuregate.Profile{UserID: userID, Tier: tier}
		s.profiles[userID] = p
	}
	return p
}

// BeginGeneration implements featuregate.GenerationStore
func (s *Storage) BeginGeneration(_ context.Context, req *featuregate.GenerationRequest) (*featuregate.GenerationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := req.Now.Add(-req.Window)
	for _, r := range s.generations[req.UserID] {
		if r.State == featuregate.GenerationFailed {
			continue
		}
		if req.IdempotencyKey != "" && r.IdempotencyKey == req.IdempotencyKey {
			return copyGeneration(r), false, nil
		}
	}
	if existing := s.recentGenerationLocked(req.UserID, since); existing != nil {
		return copyGeneration(existing), false, nil
	}

	rec := &featuregate.GenerationRecord{
		ID:             req.ID,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		State:          featuregate.GenerationInProgress,
		CreatedAt:      req.Now,
	}
	s.generations[req.UserID] = append(s.generations[req.UserID], rec)
	return copyGeneration(rec), true, nil
}

// CompleteGeneration implements featuregate.GenerationStore
func (s *Storage) CompleteGeneration(_ context.Context, userID, id string, result []byte, at time.Time) error {
	return s.finishGeneration(userID, id, featuregate.GenerationSucceeded, result, at)
}

// FailGeneration implements featuregate.GenerationStore
func (s *Storage) FailGeneration(_ context.Context, userID, id string, at time.Time) error {
	return s.finishGeneration(userID, id, featuregate.GenerationFailed, nil, at)
}

func (s *Storage) finishGeneration(userID, id string, state featuregate.GenerationState, result []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.generations[userID] {
		if r.ID == id {
			completedAt := at
			r.State = state
			r.Result = append([]byte(nil), result...)
			r.CompletedAt = &completedAt
			return nil
		}
	}
	return featuregate.ErrGenerationNotFound
}

// RecentGeneration implements featuregate.GenerationStore
func (s *Storage) RecentGeneration(_ context.Context, userID string, since time.Time) (*featuregate.GenerationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.recentGenerationLocked(userID, since); r != nil {
		return copyGeneration(r), nil
	}
	return nil, nil
}

func (s *Storage) recentGenerationLocked(userID string, since time.Time) *featuregate.GenerationRecord {
	var newest *featuregate.GenerationRecord
	for _, r := range s.generations[userID] {
		if r.State == featuregate.GenerationFailed || r.CreatedAt.Before(since) {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	return newest
}

// Tokens returns a copy of every course token held by the user, for inspection in tests and tooling
func (s *Storage) Tokens(userID string) []featuregate.CourseToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]featuregate.CourseToken, 0, len(s.tokens[userID]))
	for _, t := range s.tokens[userID] {
		out = append(out, *t)
	}
	return out
}

func periodKey(userID string, period featuregate.Period) string {
	return fmt.Sprintf("%s:%d", userID, period.Start.UTC().UnixNano())
}

func copyProfile(p *featuregate.Profile) *featuregate.Profile {
	c := *p
	if p.StarterCreditsResetAt != nil {
		t := *p.StarterCreditsResetAt
		c.StarterCreditsResetAt = &t
	}
	return &c
}

func copyPeriod(u *featuregate.UsagePeriod) *featuregate.UsagePeriod {
	c := *u
	c.Counters = make(map[featuregate.Feature]int, len(u.Counters))
	for k, v := range u.Counters {
		c.Counters[k] = v
	}
	return &c
}

func copyEvent(e *featuregate.UsageEvent) *featuregate.UsageEvent {
	c := *e
	c.Metadata = make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

func copyGeneration(r *featuregate.GenerationRecord) *featuregate.GenerationRecord {
	c := *r
	c.Result = append([]byte(nil), r.Result...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
