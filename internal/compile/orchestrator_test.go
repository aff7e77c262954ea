package compile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heimdex/heimdex-compiler/internal/continuity"
	"github.com/heimdex/heimdex-compiler/internal/edit"
	"github.com/heimdex/heimdex-compiler/internal/metrics"
	"github.com/heimdex/heimdex-compiler/internal/narrative"
	"github.com/heimdex/heimdex-compiler/internal/retrieval"
	"github.com/heimdex/heimdex-compiler/internal/sequence"
	"github.com/heimdex/heimdex-compiler/internal/shots"
)

type memStore struct {
	shots []shots.Shot
}

func (m *memStore) GetShots(ctx context.Context, storyID string, f shots.Filters) ([]shots.Shot, error) {
	var out []shots.Shot
	for _, s := range m.shots {
		if s.StoryID == storyID && f.Matches(&s) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (m *memStore) GetShotsByIDs(ctx context.Context, ids []int64) ([]shots.Shot, error) {
	var out []shots.Shot
	for _, s := range m.shots {
		for _, id := range ids {
			if s.ID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// floodCorpus builds n six-second shots one minute apart with rotating shot types.
func floodCorpus(n int) *memStore {
	types := []string{shots.TypeWide, shots.TypeSOT, shots.TypeBRoll, shots.TypeCutaway, shots.TypeMedium}
	base := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	m := &memStore{}
	for i := 1; i <= n; i++ {
		m.shots = append(m.shots, shots.Shot{
			ID:          int64(i),
			StoryID:     "flood",
			Path:        fmt.Sprintf("/media/flood/%03d.mov", i),
			ShotType:    types[(i-1)%len(types)],
			DurationMs:  6000,
			Description: fmt.Sprintf("river flood street damage shot %d", i),
			CapturedAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}
	return m
}

// fakeService delegates to the offline service unless a stage function is set, and records
// every request. It also tracks the shots committed to the current iteration's edit so tests can
// check that no later beat is offered one of them. A plan call starts a new edit.
type fakeService struct {
	offline  *narrative.Offline
	planFn   func(ctx context.Context, req narrative.PlanRequest, call int) (*edit.Plan, error)
	selectFn func(ctx context.Context, req narrative.SelectRequest, call int) (*narrative.SelectResponse, error)
	verifyFn func(ctx context.Context, req narrative.VerifyRequest, call int) (*edit.Report, error)

	planCalls   atomic.Int32
	selectCalls atomic.Int32
	relaxCalls  atomic.Int32
	verifyCalls atomic.Int32

	mu         sync.Mutex
	planReqs   []narrative.PlanRequest
	selectReqs []narrative.SelectRequest
	committed  map[int64]bool
	violations []string
}

func newFakeService() *fakeService {
	return &fakeService{offline: narrative.NewOffline(nil), committed: map[int64]bool{}}
}

func (f *fakeService) checkOffered(stage string, ws *retrieval.WorkingSet) {
	if ws == nil {
		return
	}
	for _, id := range ws.IDs() {
		if f.committed[id] {
			f.violations = append(f.violations, fmt.Sprintf("%s offered committed shot %d", stage, id))
		}
	}
}

func (f *fakeService) Plan(ctx context.Context, req narrative.PlanRequest) (*edit.Plan, error) {
	n := int(f.planCalls.Add(1))
	f.mu.Lock()
	f.planReqs = append(f.planReqs, req)
	f.committed = map[int64]bool{}
	f.mu.Unlock()
	if f.planFn != nil {
		return f.planFn(ctx, req, n)
	}
	return f.offline.Plan(ctx, req)
}

func (f *fakeService) Select(ctx context.Context, req narrative.SelectRequest) (*narrative.SelectResponse, error) {
	n := int(f.selectCalls.Add(1))
	if req.Relax {
		f.relaxCalls.Add(1)
	}
	f.mu.Lock()
	f.selectReqs = append(f.selectReqs, req)
	f.checkOffered("select", req.Candidates)
	f.mu.Unlock()

	var resp *narrative.SelectResponse
	var err error
	if f.selectFn != nil {
		resp, err = f.selectFn(ctx, req, n)
	} else {
		resp, err = f.offline.Select(ctx, req)
	}
	if err == nil && !req.Relax {
		f.mu.Lock()
		for _, s := range resp.Selections {
			f.committed[s.ShotID] = true
		}
		f.mu.Unlock()
	}
	return resp, err
}

func (f *fakeService) Verify(ctx context.Context, req narrative.VerifyRequest) (*edit.Report, error) {
	n := int(f.verifyCalls.Add(1))
	if f.verifyFn != nil {
		return f.verifyFn(ctx, req, n)
	}
	return f.offline.Verify(ctx, req)
}

func approve(ctx context.Context, req narrative.VerifyRequest, call int) (*edit.Report, error) {
	return &edit.Report{Approved: true, OverallScore: 8.5}, nil
}

func newOrchestrator(store shots.Store, svc narrative.Service, opts Options, annotator continuity.Annotator) *Orchestrator {
	engine := retrieval.NewEngine(store, nil, retrieval.DefaultOptions(), nil, nil)
	grouper := sequence.NewGrouper(sequence.DefaultOptions(), nil)
	return New(engine, grouper, annotator, svc, opts, nil, metrics.New())
}

var floodRequest = Request{StoryID: "flood", Brief: "Flood damage on the river street", TargetDuration: 30 * time.Second}

func assertNoDuplicates(t *testing.T, sel []edit.Selection) {
	t.Helper()
	seen := map[int64]bool{}
	for _, s := range sel {
		if seen[s.ShotID] {
			t.Fatalf("shot %d selected twice", s.ShotID)
		}
		seen[s.ShotID] = true
	}
}

func TestCompile_AcceptsApprovedEdit(t *testing.T) {
	svc := newFakeService()
	svc.verifyFn = approve
	o := newOrchestrator(floodCorpus(20), svc, DefaultOptions(), continuity.NewHeuristicAnnotator(nil))

	res, err := o.Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if res.State != StateAccepted || !res.Approved || res.Iterations != 1 {
		t.Fatalf("State = %s Approved = %v Iterations = %d, want ACCEPTED after 1", res.State, res.Approved, res.Iterations)
	}
	want := []State{StatePlanning, StateSelecting, StateVerifying, StateAccepted}
	if !reflect.DeepEqual(res.Transitions, want) {
		t.Errorf("Transitions = %v, want %v", res.Transitions, want)
	}
	if res.Edit == nil || len(res.Edit.Selections) == 0 {
		t.Fatal("accepted result has no edit")
	}
	assertNoDuplicates(t, res.Edit.Selections)

	last := 0
	for _, s := range res.Edit.Selections {
		if s.BeatNumber < last {
			t.Fatalf("selections not in beat order: %+v", res.Edit.Selections)
		}
		last = s.BeatNumber
	}
	if res.Edit.Duration() != 30*time.Second {
		t.Errorf("edit duration = %v, want 30s", res.Edit.Duration())
	}

	annotated := false
	for _, req := range svc.selectReqs {
		if len(req.Continuity) > 0 {
			annotated = true
		}
	}
	if !annotated {
		t.Error("no selection request carried continuity analysis")
	}
	if res.Interactions.Calls != 0 {
		t.Errorf("Interactions.Calls = %d, want 0 for a service that does not log", res.Interactions.Calls)
	}
	if res.Log == nil || res.Log.SessionID() != res.SessionID {
		t.Error("result log is not bound to the session")
	}
}

func TestCompile_AbandonsWithBestScoringAttempt(t *testing.T) {
	scores := []float64{5, 6.5, 4}
	svc := newFakeService()
	svc.verifyFn = func(ctx context.Context, req narrative.VerifyRequest, call int) (*edit.Report, error) {
		return &edit.Report{
			Approved:     false,
			OverallScore: scores[call-1],
			Scores:       map[string]float64{"pacing": scores[call-1]},
			Issues: []edit.Issue{
				{Severity: edit.SeverityMedium, Description: "Middle sags"},
				{Severity: edit.SeverityHigh, Description: "Opening drags", Suggestion: "Shorten beat 1"},
			},
		}, nil
	}
	opts := DefaultOptions()
	opts.MaxIterations = 3
	o := newOrchestrator(floodCorpus(30), svc, opts, nil)

	res, err := o.Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if res.State != StateAbandoned || res.Approved {
		t.Fatalf("State = %s Approved = %v, want ABANDONED unapproved", res.State, res.Approved)
	}
	if got := svc.planCalls.Load(); got != 3 {
		t.Errorf("planning cycles = %d, want 3", got)
	}
	if res.Iterations != 3 || len(res.Attempts) != 3 {
		t.Errorf("Iterations = %d Attempts = %d, want 3 and 3", res.Iterations, len(res.Attempts))
	}
	if res.BestIteration != 2 || res.Score() != 6.5 {
		t.Errorf("BestIteration = %d Score() = %v, want 2 and 6.5", res.BestIteration, res.Score())
	}
	if !reflect.DeepEqual(res.Edit.Selections, res.Attempts[1].Selections) {
		t.Error("returned edit is not the best-scoring attempt")
	}
	if len(res.Issues) == 0 || res.Issues[0].Severity != edit.SeverityHigh {
		t.Errorf("Issues = %+v, want high issue first", res.Issues)
	}
	if len(res.Diagnostics) == 0 || !strings.Contains(res.Diagnostics[len(res.Diagnostics)-1], "not approved after 3 iterations") {
		t.Errorf("Diagnostics = %v", res.Diagnostics)
	}

	second := svc.planReqs[1]
	if second.Iteration != 2 || second.Previous == nil {
		t.Errorf("second plan request iteration = %d previous = %v", second.Iteration, second.Previous)
	}
	for _, want := range []string{"Overall score: 5/10", "High priority issues to address:\n- Opening drags\n  Suggestion: Shorten beat 1"} {
		if !strings.Contains(second.Feedback, want) {
			t.Errorf("feedback missing %q:\n%s", want, second.Feedback)
		}
	}

	for _, a := range res.Attempts {
		assertNoDuplicates(t, a.Selections)
	}
	if len(svc.violations) > 0 {
		t.Errorf("committed shots offered again: %v", svc.violations)
	}
}

func TestCompile_BoundedIterations(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		svc := newFakeService()
		svc.verifyFn = func(ctx context.Context, req narrative.VerifyRequest, call int) (*edit.Report, error) {
			return &edit.Report{OverallScore: 3}, nil
		}
		opts := DefaultOptions()
		opts.MaxIterations = n
		res, err := newOrchestrator(floodCorpus(60), svc, opts, nil).Compile(context.Background(), floodRequest)
		if err != nil {
			t.Fatalf("max %d: Compile() error = %v", n, err)
		}
		if got := int(svc.planCalls.Load()); got != n || res.State != StateAbandoned {
			t.Errorf("max %d: planning cycles = %d state = %s", n, got, res.State)
		}
	}
}

func TestCompile_EachIterationSelectsFromFullCorpus(t *testing.T) {
	svc := newFakeService()
	svc.verifyFn = func(ctx context.Context, req narrative.VerifyRequest, call int) (*edit.Report, error) {
		return &edit.Report{OverallScore: 4}, nil
	}
	opts := DefaultOptions()
	opts.MaxIterations = 3
	// Ten six-second shots only cover one 30s edit without reuse across iterations.
	res, err := newOrchestrator(floodCorpus(10), svc, opts, nil).Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if got := svc.planCalls.Load(); got != 3 {
		t.Fatalf("planning cycles = %d, want 3 (diagnostics %v)", got, res.Diagnostics)
	}
	if res.State != StateAbandoned || len(res.Attempts) != 3 {
		t.Fatalf("State = %s Attempts = %d, want ABANDONED after 3", res.State, len(res.Attempts))
	}

	first := svc.planReqs[0].Material.IDs()
	for i, req := range svc.planReqs {
		if got := req.Material.IDs(); !reflect.DeepEqual(got, first) {
			t.Errorf("plan %d material = %v, want %v", i+1, got, first)
		}
	}
	for _, a := range res.Attempts {
		if a.Error != "" || len(a.Selections) == 0 {
			t.Errorf("iteration %d: error = %q selections = %d", a.Iteration, a.Error, len(a.Selections))
		}
		assertNoDuplicates(t, a.Selections)
	}
	if len(svc.violations) > 0 {
		t.Errorf("committed shots offered again within an iteration: %v", svc.violations)
	}
	if last := res.Diagnostics[len(res.Diagnostics)-1]; !strings.Contains(last, "not approved after 3 iterations") {
		t.Errorf("last diagnostic = %q", last)
	}
}

func TestCompile_MinScoreAccepts(t *testing.T) {
	svc := newFakeService()
	svc.verifyFn = func(ctx context.Context, req narrative.VerifyRequest, call int) (*edit.Report, error) {
		return &edit.Report{Approved: false, OverallScore: 7.5}, nil
	}
	res, err := newOrchestrator(floodCorpus(20), svc, DefaultOptions(), nil).Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if res.State != StateAccepted || res.Iterations != 1 {
		t.Errorf("State = %s Iterations = %d, want ACCEPTED after 1", res.State, res.Iterations)
	}
}

func TestCompile_StrictRetryAfterMalformed(t *testing.T) {
	svc := newFakeService()
	svc.verifyFn = approve
	svc.planFn = func(ctx context.Context, req narrative.PlanRequest, call int) (*edit.Plan, error) {
		if call == 1 {
			return nil, &narrative.ResponseError{Stage: narrative.StagePlan, Reason: "text outside the JSON object"}
		}
		return narrative.NewOffline(nil).Plan(ctx, req)
	}
	res, err := newOrchestrator(floodCorpus(20), svc, DefaultOptions(), nil).Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if res.State != StateAccepted {
		t.Fatalf("State = %s, want ACCEPTED", res.State)
	}
	if svc.planCalls.Load() != 2 {
		t.Fatalf("plan calls = %d, want 2", svc.planCalls.Load())
	}
	if svc.planReqs[0].Strict || !svc.planReqs[1].Strict {
		t.Errorf("strict flags = %v, %v, want false then true", svc.planReqs[0].Strict, svc.planReqs[1].Strict)
	}
}

func TestCompile_AbandonsAfterRepeatedMalformed(t *testing.T) {
	svc := newFakeService()
	svc.planFn = func(ctx context.Context, req narrative.PlanRequest, call int) (*edit.Plan, error) {
		return nil, &narrative.ResponseError{Stage: narrative.StagePlan, Reason: "invalid JSON"}
	}
	res, err := newOrchestrator(floodCorpus(20), svc, DefaultOptions(), nil).Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v, want an abandoned result", err)
	}
	if res.State != StateAbandoned || res.Edit != nil {
		t.Errorf("State = %s Edit = %v, want ABANDONED without an edit", res.State, res.Edit)
	}
	if svc.planCalls.Load() != 2 || res.Iterations != 1 {
		t.Errorf("plan calls = %d iterations = %d, want 2 and 1", svc.planCalls.Load(), res.Iterations)
	}
	if len(res.Diagnostics) != 1 || !strings.Contains(res.Diagnostics[0], "plan stage failed after 2 attempts") {
		t.Errorf("Diagnostics = %v", res.Diagnostics)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Error == "" {
		t.Errorf("Attempts = %+v, want one failed attempt", res.Attempts)
	}
}

func TestCompile_NonRetryableEndpointErrorFailsFast(t *testing.T) {
	svc := newFakeService()
	svc.planFn = func(ctx context.Context, req narrative.PlanRequest, call int) (*edit.Plan, error) {
		return nil, &narrative.EndpointError{StatusCode: 401, Message: "bad key"}
	}
	res, err := newOrchestrator(floodCorpus(10), svc, DefaultOptions(), nil).Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if svc.planCalls.Load() != 1 || res.State != StateAbandoned {
		t.Errorf("plan calls = %d state = %s, want 1 and ABANDONED", svc.planCalls.Load(), res.State)
	}
}

func TestCompile_VerifyTimeoutRetriesThenAbandons(t *testing.T) {
	svc := newFakeService()
	svc.verifyFn = func(ctx context.Context, req narrative.VerifyRequest, call int) (*edit.Report, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	opts := DefaultOptions()
	opts.CallTimeout = 20 * time.Millisecond
	res, err := newOrchestrator(floodCorpus(20), svc, opts, nil).Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if svc.verifyCalls.Load() != 2 {
		t.Errorf("verify calls = %d, want 2", svc.verifyCalls.Load())
	}
	if res.State != StateAbandoned {
		t.Fatalf("State = %s, want ABANDONED", res.State)
	}
	if res.Edit == nil || len(res.Edit.Selections) == 0 || res.Report != nil {
		t.Errorf("want the unverified selection returned, got edit %v report %v", res.Edit, res.Report)
	}
}

func TestCompile_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newFakeService()
	svc.planFn = func(ctx context.Context, req narrative.PlanRequest, call int) (*edit.Plan, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	res, err := newOrchestrator(floodCorpus(10), svc, DefaultOptions(), nil).Compile(ctx, floodRequest)
	if !errors.Is(err, context.Canceled) || res != nil {
		t.Fatalf("Compile() = %v, %v, want nil, context.Canceled", res, err)
	}
	if svc.planCalls.Load() != 1 {
		t.Errorf("plan calls = %d, want 1 (no retry after cancellation)", svc.planCalls.Load())
	}
}

func TestCompile_RequestErrors(t *testing.T) {
	o := newOrchestrator(floodCorpus(5), newFakeService(), DefaultOptions(), nil)

	_, err := o.Compile(context.Background(), Request{StoryID: "empty", Brief: "b", TargetDuration: time.Minute})
	if !errors.Is(err, ErrEmptyCorpus) {
		t.Errorf("empty story: error = %v, want ErrEmptyCorpus", err)
	}

	bad := []Request{
		{Brief: "b", TargetDuration: time.Minute},
		{StoryID: "flood", TargetDuration: time.Minute},
		{StoryID: "flood", Brief: "b"},
	}
	for _, req := range bad {
		if _, err := o.Compile(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Compile(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestCompile_RelaxesEmptyBeat(t *testing.T) {
	svc := newFakeService()
	svc.verifyFn = approve
	svc.planFn = func(ctx context.Context, req narrative.PlanRequest, call int) (*edit.Plan, error) {
		return &edit.Plan{Beats: []edit.Beat{
			{Number: 1, Title: "Aerial", Description: "river from above", TargetDuration: 6, RequiredTypes: []string{"DRONE"}},
		}}, nil
	}
	res, err := newOrchestrator(floodCorpus(10), svc, DefaultOptions(), nil).Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if svc.relaxCalls.Load() != 1 {
		t.Errorf("relaxation requests = %d, want 1", svc.relaxCalls.Load())
	}
	if res.Edit == nil || len(res.Edit.Selections) == 0 {
		t.Fatal("relaxed beat has no selections")
	}
	if len(res.Diagnostics) != 0 {
		t.Errorf("Diagnostics = %v, want none", res.Diagnostics)
	}
}

func TestCompile_ParallelConflictLowerBeatWins(t *testing.T) {
	svc := newFakeService()
	svc.verifyFn = approve
	svc.planFn = func(ctx context.Context, req narrative.PlanRequest, call int) (*edit.Plan, error) {
		return &edit.Plan{Beats: []edit.Beat{
			{Number: 1, Title: "Open", Description: "river", TargetDuration: 6},
			{Number: 2, Title: "Close", Description: "street", TargetDuration: 6},
		}}, nil
	}
	// Every beat asks for the lowest offered id, so both beats want the same shot in round one.
	svc.selectFn = func(ctx context.Context, req narrative.SelectRequest, call int) (*narrative.SelectResponse, error) {
		ids := req.Candidates.IDs()
		return &narrative.SelectResponse{Selections: []edit.Selection{
			{BeatNumber: req.Beat.Number, ShotID: ids[0], TrimOut: edit.Seconds(6)},
		}}, nil
	}
	opts := DefaultOptions()
	opts.ParallelBeats = true
	res, err := newOrchestrator(floodCorpus(12), svc, opts, nil).Compile(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if svc.selectCalls.Load() != 3 {
		t.Errorf("select calls = %d, want 3 (one re-query)", svc.selectCalls.Load())
	}
	got := res.Edit.Selections
	if len(got) != 2 || got[0].BeatNumber != 1 || got[0].ShotID != 1 || got[1].BeatNumber != 2 || got[1].ShotID != 2 {
		t.Errorf("selections = %+v, want beat 1 shot 1 then beat 2 shot 2", got)
	}
}

func TestValidate_DropsEmptyTrims(t *testing.T) {
	r := &run{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ws := &retrieval.WorkingSet{Candidates: []retrieval.Scored{
		{Shot: shots.Shot{ID: 1, DurationMs: 6000}},
		{Shot: shots.Shot{ID: 2}},
		{Shot: shots.Shot{ID: 3}},
	}}
	got := r.validate(edit.Beat{Number: 2}, ws, []edit.Selection{
		{ShotID: 1, TrimIn: edit.Seconds(5), TrimOut: edit.Seconds(2)},
		{ShotID: 2, TrimIn: edit.Seconds(4), TrimOut: edit.Seconds(1)},
		{ShotID: 3, TrimIn: edit.Seconds(1), TrimOut: edit.Seconds(3)},
		{ShotID: 9, TrimOut: edit.Seconds(3)},
	})
	if len(got) != 2 {
		t.Fatalf("validate() kept %d selections, want 2: %+v", len(got), got)
	}
	if got[0].ShotID != 1 || got[0].Duration() != 6*time.Second {
		t.Errorf("known-length inverted trim = %+v, want the whole 6s shot", got[0])
	}
	if got[1].ShotID != 3 || got[1].BeatNumber != 2 || got[1].Duration() != 2*time.Second {
		t.Errorf("unknown-length trim = %+v, want beat 2 for 2s", got[1])
	}
}

func TestDraft_SkipsVerification(t *testing.T) {
	svc := newFakeService()
	res, err := newOrchestrator(floodCorpus(20), svc, DefaultOptions(), nil).Draft(context.Background(), floodRequest)
	if err != nil {
		t.Fatalf("Draft() error = %v", err)
	}
	if svc.verifyCalls.Load() != 0 {
		t.Errorf("verify calls = %d, want 0", svc.verifyCalls.Load())
	}
	if res.Mode != ModeDraft || res.State != StateAccepted || res.Report != nil {
		t.Errorf("Mode = %s State = %s Report = %v", res.Mode, res.State, res.Report)
	}
	if res.Edit.Duration() != 30*time.Second || len(res.Issues) != 0 {
		t.Errorf("draft duration = %v issues = %v", res.Edit.Duration(), res.Issues)
	}
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePlanning, StateSelecting, true},
		{StatePlanning, StateVerifying, false},
		{StateSelecting, StateVerifying, true},
		{StateVerifying, StateAccepted, true},
		{StateVerifying, StateRefining, true},
		{StateVerifying, StatePlanning, false},
		{StateRefining, StatePlanning, true},
		{StateRefining, StateAbandoned, true},
		{StateAccepted, StatePlanning, false},
		{StateAbandoned, StateRefining, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}

	s := newSession(floodRequest, 3)
	if err := s.transition(StateAccepted); err == nil {
		t.Error("PLANNING -> ACCEPTED should be rejected")
	}
	if s.State != StatePlanning || len(s.History) != 1 {
		t.Errorf("rejected transition changed state: %s %v", s.State, s.History)
	}
}
