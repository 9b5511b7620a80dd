package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore is a mutex-guarded in-memory UploadStore and AuditStore.
type memStore struct {
	mu      sync.Mutex
	uploads map[string]Upload
	entries []AuditEntry
}

func newMemStore() *memStore {
	return &memStore{uploads: make(map[string]Upload)}
}

func (s *memStore) CreateUpload(_ context.Context, u Upload) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[u.ID] = u
	out := u
	return &out, nil
}

func (s *memStore) Upload(_ context.Context, id string) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := u
	return &out, nil
}

func (s *memStore) UploadsByDataset(_ context.Context, datasetID string) ([]Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Upload
	for _, u := range s.uploads {
		if u.DatasetID == datasetID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *memStore) AdvanceCAS(_ context.Context, id string, expectedVersion int, stage Stage, status Status) (*Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if u.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrStaleVersion, u.Version, expectedVersion)
	}
	u.Stage = stage
	u.Status = status
	u.Version++
	u.UpdatedAt = time.Now().UTC()
	s.uploads[id] = u
	out := u
	return &out, nil
}

func (s *memStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) AuditByUpload(_ context.Context, uploadID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEntry
	for _, e := range s.entries {
		if e.UploadID == uploadID {
			out = append(out, e)
		}
	}
	return out, nil
}

var (
	uploader  = Actor{ID: "u-1", Roles: []Role{RoleUploader}}
	reviewer  = Actor{ID: "r-1", Roles: []Role{RoleReviewer}}
	publisher = Actor{ID: "p-1", Roles: []Role{RolePublisher}}
)

func newPipeline(t *testing.T) (*Pipeline, *memStore) {
	t.Helper()
	store := newMemStore()
	return New(store, store), store
}

func mustCreate(t *testing.T, p *Pipeline) *Upload {
	t.Helper()
	u, err := p.Create(context.Background(), "rates-2024", "rates.csv", uploader)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return u
}

func TestCreate_InitialState(t *testing.T) {
	p, store := newPipeline(t)
	u := mustCreate(t, p)

	if u.Stage != StageUpload || u.Status != StatusUploaded {
		t.Errorf("initial state = %s/%s, want upload/uploaded", u.Stage, u.Status)
	}
	if u.Version != 1 {
		t.Errorf("initial version = %d, want 1", u.Version)
	}
	if len(store.entries) != 1 || store.entries[0].Action != "create" {
		t.Errorf("audit entries = %+v, want single create entry", store.entries)
	}
}

func TestCreate_RequiresUploaderRole(t *testing.T) {
	p, store := newPipeline(t)

	for _, actor := range []Actor{reviewer, publisher, {ID: "n-1"}} {
		_, err := p.Create(context.Background(), "rates-2024", "rates.csv", actor)
		if !errors.Is(err, ErrNotAuthorized) {
			t.Errorf("create as %q = %v, want ErrNotAuthorized", actor.ID, err)
		}
	}
	if len(store.uploads) != 0 || len(store.entries) != 0 {
		t.Errorf("denied creates mutated state: %d uploads, %d entries",
			len(store.uploads), len(store.entries))
	}
}

func TestApprove_FullPromotionPath(t *testing.T) {
	p, _ := newPipeline(t)
	u := mustCreate(t, p)
	ctx := context.Background()

	steps := []struct {
		actor      Actor
		wantStage  Stage
		wantStatus Status
	}{
		{reviewer, StageStaging, StatusApproved},
		{publisher, StageFiltered, StatusApproved},
		{publisher, StageFinal, StatusCompleted},
	}

	version := u.Version
	for i, step := range steps {
		got, err := p.Approve(ctx, u.ID, step.actor, "", version)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.Stage != step.wantStage || got.Status != step.wantStatus {
			t.Fatalf("step %d: state = %s/%s, want %s/%s",
				i, got.Stage, got.Status, step.wantStage, step.wantStatus)
		}
		if got.Version != version+1 {
			t.Fatalf("step %d: version = %d, want %d", i, got.Version, version+1)
		}
		version = got.Version
	}

	// Completed is terminal.
	if _, err := p.Approve(ctx, u.ID, publisher, "", version); !errors.Is(err, ErrTerminalState) {
		t.Errorf("approve after final = %v, want ErrTerminalState", err)
	}

	// Exactly one audit entry per transition plus the creation entry.
	history, err := p.History(ctx, u.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4: %+v", len(history), history)
	}
	wantActions := []string{"create", "approve", "approve", "approve"}
	for i, e := range history {
		if e.Action != wantActions[i] || e.Outcome != OutcomeApplied {
			t.Errorf("history[%d] = %s/%s, want %s/applied", i, e.Action, e.Outcome, wantActions[i])
		}
	}
}

func TestApprove_NoStageSkipping(t *testing.T) {
	p, _ := newPipeline(t)
	u := mustCreate(t, p)

	got, err := p.Approve(context.Background(), u.ID, publisher, "", u.Version)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// A publisher approving at upload still only moves one stage.
	if got.Stage != StageStaging {
		t.Errorf("stage = %s, want staging (single-step advance)", got.Stage)
	}
}

func TestApprove_RoleGating(t *testing.T) {
	p, store := newPipeline(t)
	u := mustCreate(t, p)
	ctx := context.Background()

	// Uploader cannot approve anywhere.
	if _, err := p.Approve(ctx, u.ID, uploader, "", u.Version); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("uploader approve = %v, want ErrNotAuthorized", err)
	}

	// Denied attempt left an audit record but no state change.
	cur, _ := p.Get(ctx, u.ID)
	if cur.Stage != StageUpload || cur.Version != 1 {
		t.Errorf("denied attempt mutated state: %+v", cur)
	}
	last := store.entries[len(store.entries)-1]
	if last.Outcome != OutcomeDenied || last.Action != "approve" {
		t.Errorf("denied entry = %+v, want approve/denied", last)
	}

	// Reviewer advances to staging but cannot go further.
	got, err := p.Approve(ctx, u.ID, reviewer, "", 1)
	if err != nil {
		t.Fatalf("reviewer approve: %v", err)
	}
	if _, err := p.Approve(ctx, u.ID, reviewer, "", got.Version); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("reviewer approve at staging = %v, want ErrNotAuthorized", err)
	}
}

func TestReject_IsTerminal(t *testing.T) {
	p, _ := newPipeline(t)
	u := mustCreate(t, p)
	ctx := context.Background()

	got, err := p.Reject(ctx, u.ID, reviewer, "bad encoding", u.Version)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != StatusRejected || got.Stage != StageUpload {
		t.Errorf("rejected state = %s/%s, want upload/rejected", got.Stage, got.Status)
	}

	if _, err := p.Approve(ctx, u.ID, publisher, "", got.Version); !errors.Is(err, ErrTerminalState) {
		t.Errorf("approve after reject = %v, want ErrTerminalState", err)
	}
	if _, err := p.Reject(ctx, u.ID, publisher, "", got.Version); !errors.Is(err, ErrTerminalState) {
		t.Errorf("reject after reject = %v, want ErrTerminalState", err)
	}

	// The rejected record is retained, not deleted.
	cur, err := p.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get after reject: %v", err)
	}
	if cur.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", cur.Status)
	}
}

func TestApprove_StaleVersion(t *testing.T) {
	p, _ := newPipeline(t)
	u := mustCreate(t, p)
	ctx := context.Background()

	if _, err := p.Approve(ctx, u.ID, reviewer, "", u.Version); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	// Second caller still holds version 1.
	if _, err := p.Approve(ctx, u.ID, publisher, "", u.Version); !errors.Is(err, ErrStaleVersion) {
		t.Errorf("stale approve = %v, want ErrStaleVersion", err)
	}
}

func TestApprove_ConcurrentOnlyOneWins(t *testing.T) {
	p, _ := newPipeline(t)
	u := mustCreate(t, p)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = p.Approve(ctx, u.ID, publisher, "", 1)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrStaleVersion) {
			t.Errorf("unexpected race error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}

	cur, _ := p.Get(ctx, u.ID)
	if cur.Stage != StageStaging || cur.Version != 2 {
		t.Errorf("post-race state = %s v%d, want staging v2", cur.Stage, cur.Version)
	}

	// One applied approve entry regardless of how many racers lost.
	history, _ := p.History(ctx, u.ID)
	applied := 0
	for _, e := range history {
		if e.Action == "approve" && e.Outcome == OutcomeApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied approve entries = %d, want 1", applied)
	}
}

func TestApprove_UnknownUpload(t *testing.T) {
	p, _ := newPipeline(t)
	if _, err := p.Approve(context.Background(), "missing", publisher, "", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("approve unknown = %v, want ErrNotFound", err)
	}
}

func TestAuditEntries_RecordTransitionEndpoints(t *testing.T) {
	p, _ := newPipeline(t)
	u := mustCreate(t, p)
	ctx := context.Background()

	if _, err := p.Approve(ctx, u.ID, reviewer, "looks clean", 1); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	history, _ := p.History(ctx, u.ID)
	e := history[len(history)-1]
	if e.FromStage != StageUpload || e.ToStage != StageStaging {
		t.Errorf("entry stages = %s to %s, want upload to staging", e.FromStage, e.ToStage)
	}
	if e.FromStatus != StatusUploaded || e.ToStatus != StatusApproved {
		t.Errorf("entry statuses = %s to %s, want uploaded to approved", e.FromStatus, e.ToStatus)
	}
	if e.Actor != reviewer.ID || e.Notes != "looks clean" {
		t.Errorf("entry actor/notes = %s/%q", e.Actor, e.Notes)
	}
}
