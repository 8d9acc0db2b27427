package store

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/conductor/pkg/models"
)

func newJob(t *testing.T, s Store, id string) *models.Job {
	t.Helper()
	job := &models.Job{ID: id, InboxID: "inbox-" + id}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func appendText(t *testing.T, s Store, jobID, parent, text string, role models.StepRole) *models.Step {
	t.Helper()
	step := models.NewStep(jobID, parent, models.StepPayload{Role: role, Text: text})
	if _, err := s.AppendStep(context.Background(), step); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	return step
}

func TestMemoryStore_AppendStep_Chain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newJob(t, s, "j1")

	s0 := appendText(t, s, "j1", models.RootHash, "first", models.RoleUser)
	if s0.Index != 0 {
		t.Errorf("first index = %d", s0.Index)
	}
	s1 := appendText(t, s, "j1", s0.SelfHash, "second", models.RoleAssistant)
	if s1.Index != 1 {
		t.Errorf("second index = %d", s1.Index)
	}

	// Wrong parent hash is rejected.
	bad := models.NewStep("j1", models.RootHash, models.StepPayload{Role: models.RoleUser, Text: "third"})
	if _, err := s.AppendStep(ctx, bad); !errors.Is(err, ErrChainMismatch) {
		t.Errorf("wrong parent: err = %v, want ErrChainMismatch", err)
	}

	// Replaying an identical step is an idempotent no-op.
	replay := models.NewStep("j1", s0.SelfHash, models.StepPayload{Role: models.RoleAssistant, Text: "second"})
	idx, err := s.AppendStep(ctx, replay)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if idx != 1 {
		t.Errorf("replay index = %d, want 1", idx)
	}
	steps, _ := s.LoadSteps(ctx, "j1", 0, 0)
	if len(steps) != 2 {
		t.Errorf("replay duplicated: %d steps", len(steps))
	}
}

func TestMemoryStore_AppendStep_Finished(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newJob(t, s, "j1")
	s0 := appendText(t, s, "j1", models.RootHash, "q", models.RoleUser)
	s1 := appendText(t, s, "j1", s0.SelfHash, "a", models.RoleAssistant)

	if err := s.SetFinished(ctx, "j1", s1.Index); err != nil {
		t.Fatalf("SetFinished: %v", err)
	}
	// Idempotent for the same index.
	if err := s.SetFinished(ctx, "j1", s1.Index); err != nil {
		t.Errorf("second SetFinished: %v", err)
	}
	// A different index conflicts.
	if err := s.SetFinished(ctx, "j1", 0); !errors.Is(err, ErrAlreadyFinished) {
		t.Errorf("different index: err = %v", err)
	}

	next := models.NewStep("j1", s1.SelfHash, models.StepPayload{Role: models.RoleUser, Text: "more"})
	if _, err := s.AppendStep(ctx, next); !errors.Is(err, ErrJobFinished) {
		t.Errorf("append after finish: err = %v", err)
	}
}

func TestMemoryStore_LoadSteps_Pagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newJob(t, s, "j1")

	parent := models.RootHash
	for i := 0; i < 5; i++ {
		step := appendText(t, s, "j1", parent, "m", models.RoleUser)
		parent = step.SelfHash
	}

	page, err := s.LoadSteps(ctx, "j1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Index != 2 || page[1].Index != 3 {
		t.Errorf("page = %+v", page)
	}

	if _, err := s.LoadSteps(ctx, "missing", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job: err = %v", err)
	}
}

func TestMemoryStore_CopySteps_Fork(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newJob(t, s, "j1")
	newJob(t, s, "j2")

	parent := models.RootHash
	var hashes []string
	for i := 0; i < 4; i++ {
		step := appendText(t, s, "j1", parent, "m", models.RoleUser)
		parent = step.SelfHash
		hashes = append(hashes, step.SelfHash)
	}

	if err := s.CopySteps(ctx, "j1", "j2", 2); err != nil {
		t.Fatal(err)
	}
	forked, _ := s.LoadSteps(ctx, "j2", 0, 0)
	if len(forked) != 3 {
		t.Fatalf("forked steps = %d, want 3", len(forked))
	}
	for i, fs := range forked {
		if fs.SelfHash != hashes[i] {
			t.Errorf("fork hash[%d] differs", i)
		}
		if fs.JobID != "j2" {
			t.Errorf("fork job id = %s", fs.JobID)
		}
	}

	// The source is untouched and the fork diverges independently.
	src, _ := s.LoadSteps(ctx, "j1", 0, 0)
	if len(src) != 4 {
		t.Errorf("source steps = %d", len(src))
	}
	appendText(t, s, "j2", forked[2].SelfHash, "diverge", models.RoleUser)
	src, _ = s.LoadSteps(ctx, "j1", 0, 0)
	if len(src) != 4 {
		t.Errorf("source mutated by fork append")
	}
}

func TestMemoryStore_FindStepByHash(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	newJob(t, s, "j1")
	s0 := appendText(t, s, "j1", models.RootHash, "q", models.RoleUser)

	found, err := s.FindStepByHash(ctx, "j1", s0.SelfHash)
	if err != nil {
		t.Fatal(err)
	}
	if found.Index != 0 {
		t.Errorf("found index = %d", found.Index)
	}
	if _, err := s.FindStepByHash(ctx, "j1", "nope"); !errors.Is(err, ErrUnknownStepHash) {
		t.Errorf("unknown hash: err = %v", err)
	}
}

func TestMemoryStore_Inbox(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	parent := models.RootHash
	for _, body := range []string{"hello", "hi there", "bye"} {
		hash := models.ChainHash(parent, models.StepPayload{Role: models.RoleUser, Text: body})
		if _, err := s.AppendInboxMessage(ctx, &models.InboxMessage{
			InboxID: "in1", ParentHash: parent, SelfHash: hash,
			Role: models.RoleUser, Body: body,
		}); err != nil {
			t.Fatal(err)
		}
		parent = hash
	}

	msgs, err := s.ReadInbox(ctx, "in1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[2].Body != "bye" {
		t.Fatalf("msgs = %+v", msgs)
	}

	if err := s.ForkInbox(ctx, "in1", msgs[1].SelfHash, "in2"); err != nil {
		t.Fatal(err)
	}
	forked, _ := s.ReadInbox(ctx, "in2", 0, 0)
	if len(forked) != 2 || forked[1].Body != "hi there" {
		t.Errorf("forked = %+v", forked)
	}

	if err := s.ForkInbox(ctx, "in1", "nope", "in3"); !errors.Is(err, ErrUnknownStepHash) {
		t.Errorf("fork at unknown hash: err = %v", err)
	}
}

func TestMemoryStore_ToolRegistry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := &models.ToolDescriptor{
		RouterKey:   "calc/add/v1",
		Runtime:     models.RuntimeNative,
		InputSchema: []byte(`{"type":"object"}`),
		Enabled:     true,
	}
	if err := s.RegisterTool(ctx, d); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterTool(ctx, d); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("duplicate: err = %v", err)
	}

	got, err := s.LookupTool(ctx, "calc/add/v1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Runtime != models.RuntimeNative {
		t.Errorf("runtime = %s", got.Runtime)
	}

	got.Enabled = false
	if err := s.UpdateTool(ctx, got); err != nil {
		t.Fatal(err)
	}
	tools, _ := s.ListTools(ctx, ToolFilter{EnabledOnly: true})
	if len(tools) != 0 {
		t.Errorf("enabled tools = %d, want 0", len(tools))
	}
}

func TestMemoryStore_QueuePersistence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := &models.QueueEntry{Key: "j1", Nonce: "n1", Payload: []byte(`{}`)}
	if err := s.SaveQueueEntry(ctx, e); err != nil {
		t.Fatal(err)
	}
	entries, _ := s.LoadQueueEntries(ctx)
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if err := s.DeleteQueueEntry(ctx, "j1", "n1"); err != nil {
		t.Fatal(err)
	}
	entries, _ = s.LoadQueueEntries(ctx)
	if len(entries) != 0 {
		t.Errorf("entries after delete = %d", len(entries))
	}
}
