package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"livecast/internal/model"
	"livecast/internal/sender"
)

type memJobs struct {
	mu    sync.Mutex
	jobs  map[string]*model.BroadcastJob
	saves int
}

func newMemJobs(jobs ...*model.BroadcastJob) *memJobs {
	m := &memJobs{jobs: make(map[string]*model.BroadcastJob)}
	for _, j := range jobs {
		m.jobs[j.ID] = j
	}
	return m
}

func (m *memJobs) GetJob(ctx context.Context, id string) (*model.BroadcastJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) JobStatus(ctx context.Context, id string) (model.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status, nil
}

func (m *memJobs) MarkRunning(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j.Status.Finished() {
		return false, nil
	}
	j.Status = model.JobRunning
	return true, nil
}

func (m *memJobs) SaveProgress(ctx context.Context, job *model.BroadcastJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID].Progress = job.Progress
	m.saves++
	return nil
}

func (m *memJobs) CompleteJob(ctx context.Context, job *model.BroadcastJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[job.ID]
	if j.Status != model.JobRunning {
		return false, nil
	}
	j.Progress = job.Progress
	j.Status = model.JobCompleted
	job.Status = model.JobCompleted
	return true, nil
}

func (m *memJobs) UpdateJobStatus(ctx context.Context, id string, to model.JobStatus, lastError string, from ...model.JobStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if len(from) > 0 {
		match := false
		for _, f := range from {
			match = match || j.Status == f
		}
		if !match {
			return false, nil
		}
	}
	j.Status = to
	j.LastError = lastError
	return true, nil
}

func (m *memJobs) setStatus(id string, st model.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = st
}

func (m *memJobs) get(id string) model.BroadcastJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

type memCatalog map[string]*model.Product

func (c memCatalog) ProductsByIDs(ctx context.Context, tenantID string, ids []string) ([]*model.Product, error) {
	out := make([]*model.Product, len(ids))
	for i, id := range ids {
		if p, ok := c[id]; ok && p.TenantID == tenantID {
			out[i] = p
		}
	}
	return out, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	sends  []string
	texts  []string
	fail   map[string]bool
	onSend func(n int)
	block  chan struct{}
}

func (f *fakeTransport) SendGroupMessage(ctx context.Context, groupID, text, imageURL string) (string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.sends = append(f.sends, strings.SplitN(text, " ", 2)[0]+"/"+groupID)
	f.texts = append(f.texts, text)
	n := len(f.sends)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if f.fail[groupID] {
		return "", errors.New("provider rejected message")
	}
	return fmt.Sprintf("msg-%d", n), nil
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type fakeResolver struct {
	transport sender.Transport
	err       error
	calls     int
}

func (r *fakeResolver) Resolve(ctx context.Context, tenantID string) (sender.Transport, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.transport, nil
}

type memLogs struct {
	mu   sync.Mutex
	logs []model.SendLog
}

func (m *memLogs) LogSend(ctx context.Context, l model.SendLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return nil
}

func catalog() memCatalog {
	return memCatalog{
		"P1": {ID: "P1", TenantID: "t1", Code: "A1", Name: "Vestido", Price: 19.9},
		"P2": {ID: "P2", TenantID: "t1", Code: "B2", Name: "Saia", Price: 49.9, ImageURL: "https://cdn/b2.jpg"},
		"P3": {ID: "P3", TenantID: "t1", Code: "C3", Name: "Blusa", Price: 29},
	}
}

func newJob(products, groups []string) *model.BroadcastJob {
	return &model.BroadcastJob{
		ID:       "job-1",
		TenantID: "t1",
		Status:   model.JobPending,
		Definition: model.JobDefinition{
			ProductIDs:      products,
			GroupIDs:        groups,
			MessageTemplate: "{{codigo}} {{valor}}",
		},
	}
}

func fastOptions() Options {
	return Options{Tick: 10 * time.Millisecond, SendTimeout: time.Second}
}

// newTestEngine builds an engine whose delay second lasts one millisecond.
func newTestEngine(jobs JobStore, catalog Catalog, transport TransportResolver, logs SendLogger, opts Options) *Engine {
	e := NewEngine(jobs, catalog, transport, logs, opts, nil)
	e.second = time.Millisecond
	return e
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunEndToEnd(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1", "P2"}, []string{"G1", "G2"}))
	tr := &fakeTransport{}
	logs := &memLogs{}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, logs, fastOptions())

	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A1/G1", "A1/G2", "B2/G1", "B2/G2"}
	if got := tr.sent(); !equal(got, want) {
		t.Errorf("expected sends %v, got %v", want, got)
	}
	if tr.texts[0] != "A1 R$ 19,90" {
		t.Errorf("unexpected rendered text %q", tr.texts[0])
	}
	if job.Status != model.JobCompleted || job.Progress.SentMessages != 4 || job.Progress.ErrorMessages != 0 {
		t.Errorf("unexpected final job %+v", job)
	}
	stored := jobs.get("job-1")
	if stored.Status != model.JobCompleted || stored.Progress.SentMessages != 4 {
		t.Errorf("unexpected stored job %+v", stored)
	}
	if stored.Progress.IsWaitingForNextProduct || stored.Progress.CountdownSeconds != 0 {
		t.Errorf("expected countdown cleared, got %+v", stored.Progress)
	}
	if len(logs.logs) != 4 || logs.logs[3].MessageID != "msg-4" || logs.logs[3].ProductID != "P2" {
		t.Errorf("unexpected send log %+v", logs.logs)
	}
}

func TestRunIsolatesSendErrors(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1"}, []string{"G1", "G2", "G3"}))
	tr := &fakeTransport{fail: map[string]bool{"G2": true}}
	logs := &memLogs{}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, logs, fastOptions())

	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tr.sent()) != 3 {
		t.Errorf("expected 3 attempts, got %v", tr.sent())
	}
	if job.Status != model.JobCompleted || job.Progress.SentMessages != 2 || job.Progress.ErrorMessages != 1 {
		t.Errorf("expected completed with sent=2 errors=1, got %+v", job)
	}
	if logs.logs[1].Status != "failed" || !strings.Contains(logs.logs[1].Error, "provider rejected") {
		t.Errorf("expected failed log entry, got %+v", logs.logs[1])
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	j := newJob([]string{"P1", "P2"}, []string{"G1", "G2"})
	j.Status = model.JobRunning
	j.Progress = model.JobProgress{CurrentProductIndex: 1, CurrentGroupIndex: 1, SentMessages: 3}
	jobs := newMemJobs(j)
	tr := &fakeTransport{}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, nil, fastOptions())

	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.sent(); !equal(got, []string{"B2/G2"}) {
		t.Errorf("expected only the remaining unit, got %v", got)
	}
	if job.Status != model.JobCompleted || job.Progress.SentMessages != 4 {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestRunPauseThenResumeSendsEachUnitOnce(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1", "P2"}, []string{"G1", "G2"}))
	tr := &fakeTransport{}
	tr.onSend = func(n int) {
		if n == 1 {
			jobs.setStatus("job-1", model.JobPaused)
		}
	}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, nil, fastOptions())

	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobPaused {
		t.Fatalf("expected paused, got %s", job.Status)
	}
	stored := jobs.get("job-1")
	if stored.Status != model.JobPaused {
		t.Errorf("expected stored status paused, got %s", stored.Status)
	}
	if stored.Progress.CurrentProductIndex != 0 || stored.Progress.CurrentGroupIndex != 1 || stored.Progress.SentMessages != 1 {
		t.Errorf("unexpected checkpoint %+v", stored.Progress)
	}

	tr.onSend = nil
	job, err = e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"A1/G1", "A1/G2", "B2/G1", "B2/G2"}
	if got := tr.sent(); !equal(got, want) {
		t.Errorf("expected each unit exactly once %v, got %v", want, got)
	}
	if job.Status != model.JobCompleted || job.Progress.SentMessages != 4 {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestRunCancelDuringCountdownReturnsWithinTick(t *testing.T) {
	j := newJob([]string{"P1", "P2"}, []string{"G1"})
	j.Definition.PerProductDelayMinutes = 1
	jobs := newMemJobs(j)
	tr := &fakeTransport{}
	opts := Options{Tick: 20 * time.Millisecond, SendTimeout: time.Second}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, nil, opts)
	e.second = 10 * time.Millisecond

	start := time.Now()
	cancelAt := 50 * time.Millisecond
	time.AfterFunc(cancelAt, func() { jobs.setStatus("job-1", model.JobCancelled) })

	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed > cancelAt+opts.Tick+100*time.Millisecond {
		t.Errorf("expected return within one tick of cancel, took %s", elapsed)
	}
	if job.Status != model.JobCancelled {
		t.Errorf("expected cancelled, got %s", job.Status)
	}
	if got := tr.sent(); !equal(got, []string{"A1/G1"}) {
		t.Errorf("expected only the first product sent, got %v", got)
	}
	p := jobs.get("job-1").Progress
	if !p.IsWaitingForNextProduct || p.CountdownSeconds <= 0 || p.CountdownSeconds >= 60 || p.CurrentProductIndex != 1 {
		t.Errorf("expected an interrupted countdown checkpoint, got %+v", p)
	}
}

func TestRunCancelDuringGroupDelayReturnsWithinTick(t *testing.T) {
	j := newJob([]string{"P1"}, []string{"G1", "G2"})
	j.Definition.PerGroupDelaySeconds = 120
	jobs := newMemJobs(j)
	tr := &fakeTransport{}
	opts := Options{Tick: 20 * time.Millisecond, SendTimeout: time.Second}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, nil, opts)
	e.second = 10 * time.Millisecond

	start := time.Now()
	cancelAt := 50 * time.Millisecond
	time.AfterFunc(cancelAt, func() { jobs.setStatus("job-1", model.JobCancelled) })

	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > cancelAt+opts.Tick+100*time.Millisecond {
		t.Errorf("expected return within one tick of cancel, took %s", elapsed)
	}
	if job.Status != model.JobCancelled {
		t.Errorf("expected cancelled, got %s", job.Status)
	}
	if got := tr.sent(); !equal(got, []string{"A1/G1"}) {
		t.Errorf("expected only the first group sent, got %v", got)
	}
	if p := jobs.get("job-1").Progress; p.CurrentProductIndex != 0 || p.CurrentGroupIndex != 1 || p.SentMessages != 1 {
		t.Errorf("expected checkpoint at the second group, got %+v", p)
	}
}

func TestRunResumesInterruptedCountdown(t *testing.T) {
	j := newJob([]string{"P1", "P2"}, []string{"G1"})
	j.Status = model.JobPaused
	j.Definition.PerProductDelayMinutes = 5
	j.Progress = model.JobProgress{CurrentProductIndex: 1, SentMessages: 1, CountdownSeconds: 3, IsWaitingForNextProduct: true}
	jobs := newMemJobs(j)
	tr := &fakeTransport{}
	opts := Options{Tick: 10 * time.Millisecond, SendTimeout: time.Second}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, nil, opts)
	e.second = 10 * time.Millisecond

	start := time.Now()
	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond || elapsed > time.Second {
		t.Errorf("expected the remaining 3 seconds of countdown only, took %s", elapsed)
	}
	if got := tr.sent(); !equal(got, []string{"B2/G1"}) {
		t.Errorf("unexpected sends %v", got)
	}
	if job.Status != model.JobCompleted || job.Progress.SentMessages != 2 {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestRunWithoutCredentialsMarksJobError(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1"}, []string{"G1"}))
	tr := &fakeTransport{}
	resolver := &fakeResolver{err: fmt.Errorf("%w for tenant t1", sender.ErrNoCredentials)}
	e := newTestEngine(jobs, catalog(), resolver, nil, fastOptions())

	job, err := e.Run(context.Background(), "job-1", "t1")
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if job.Status != model.JobError || jobs.get("job-1").Status != model.JobError {
		t.Errorf("expected job error, got %s", job.Status)
	}
	if jobs.get("job-1").LastError == "" {
		t.Error("expected last_error to be recorded")
	}
	if len(tr.sent()) != 0 {
		t.Errorf("expected no sends, got %v", tr.sent())
	}
}

func TestRunFinishedJobIsNoop(t *testing.T) {
	for _, st := range []model.JobStatus{model.JobCompleted, model.JobCancelled} {
		j := newJob([]string{"P1"}, []string{"G1"})
		j.Status = st
		jobs := newMemJobs(j)
		resolver := &fakeResolver{transport: &fakeTransport{}}
		e := newTestEngine(jobs, catalog(), resolver, nil, fastOptions())

		job, err := e.Run(context.Background(), "job-1", "t1")
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != st || resolver.calls != 0 {
			t.Errorf("%s: expected no-op, got status %s after %d resolves", st, job.Status, resolver.calls)
		}
	}
}

func TestRunSkipsMissingProducts(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1", "GONE", "P3"}, []string{"G1"}))
	tr := &fakeTransport{}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, nil, fastOptions())

	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.sent(); !equal(got, []string{"A1/G1", "C3/G1"}) {
		t.Errorf("unexpected sends %v", got)
	}
	if job.Status != model.JobCompleted || job.Progress.SentMessages != 2 || job.Progress.ErrorMessages != 0 {
		t.Errorf("unexpected job %+v", job)
	}
}

func TestRunRejectsTenantMismatch(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1"}, []string{"G1"}))
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: &fakeTransport{}}, nil, fastOptions())

	if _, err := e.Run(context.Background(), "job-1", "other"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if _, err := e.Run(context.Background(), "missing", "t1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRunTimesOutSlowSends(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1"}, []string{"G1"}))
	slow := &slowTransport{}
	opts := fastOptions()
	opts.SendTimeout = 20 * time.Millisecond
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: slow}, nil, opts)

	job, err := e.Run(context.Background(), "job-1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobCompleted || job.Progress.ErrorMessages != 1 {
		t.Errorf("expected the timeout to count as a send error, got %+v", job)
	}
}

type slowTransport struct{}

func (slowTransport) SendGroupMessage(ctx context.Context, groupID, text, imageURL string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRunnerKeepsOneRunPerJob(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1"}, []string{"G1", "G2"}))
	tr := &fakeTransport{block: make(chan struct{})}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, nil, fastOptions())
	r := NewRunner(context.Background(), e, nil)

	if !r.Start("job-1", "t1") {
		t.Fatal("expected first start to run")
	}
	if r.Start("job-1", "t1") {
		t.Error("expected second start to be refused while in flight")
	}
	if !r.InFlight("job-1") {
		t.Error("expected job to be in flight")
	}
	close(tr.block)
	r.Wait()

	if r.InFlight("job-1") {
		t.Error("expected job to leave in-flight set")
	}
	if got := tr.sent(); !equal(got, []string{"A1/G1", "A1/G2"}) {
		t.Errorf("expected a single pass, got %v", got)
	}
	if jobs.get("job-1").Status != model.JobCompleted {
		t.Errorf("expected completed, got %s", jobs.get("job-1").Status)
	}
}

func TestRunWaitOutlivesCaller(t *testing.T) {
	jobs := newMemJobs(newJob([]string{"P1"}, []string{"G1", "G2"}))
	tr := &fakeTransport{block: make(chan struct{})}
	e := newTestEngine(jobs, catalog(), &fakeResolver{transport: tr}, nil, fastOptions())
	r := NewRunner(context.Background(), e, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.RunWait(ctx, "job-1", "t1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the caller to stop waiting, got %v", err)
	}
	if !r.InFlight("job-1") {
		t.Error("expected the run to continue after the caller left")
	}
	if r.Start("job-1", "t1") {
		t.Error("expected start to be refused while the run is in flight")
	}

	close(tr.block)
	r.Wait()
	if got := tr.sent(); !equal(got, []string{"A1/G1", "A1/G2"}) {
		t.Errorf("expected a single pass, got %v", got)
	}
	if jobs.get("job-1").Status != model.JobCompleted {
		t.Errorf("expected completed, got %s", jobs.get("job-1").Status)
	}
}
