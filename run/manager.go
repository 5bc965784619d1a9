package run

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/skillflow/checkpoint"
	"github.com/dshills/skillflow/engine"
	"github.com/dshills/skillflow/event"
	"github.com/dshills/skillflow/model"
	"github.com/dshills/skillflow/state"
	"github.com/dshills/skillflow/syserr"
)

// stopGrace is how long Stop waits for a cancelled task to unwind
// before finalizing anyway.
const stopGrace = 2 * time.Second

// task is one live run goroutine.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Config wires a Manager.
type Config struct {
	Engine      *engine.Engine
	Metadata    *MetadataStore
	Checkpoints *checkpoint.Buffered
	Bus         *event.Bus
	Errors      *syserr.Store
	Models      *model.Factory
	Metrics     *engine.Metrics
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Manager owns run lifecycle: it persists metadata, spawns and cancels
// task goroutines, resumes paused runs on approval or callback, and
// finalizes terminal runs (status row, checkpoint and event flush,
// webhook, admin broadcast).
type Manager struct {
	engine      *engine.Engine
	metadata    *MetadataStore
	checkpoints *checkpoint.Buffered
	bus         *event.Bus
	errors      *syserr.Store
	models      *model.Factory
	metrics     *engine.Metrics
	webhooks    *webhookDispatcher
	logger      *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

// NewManager builds a Manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:      cfg.Engine,
		metadata:    cfg.Metadata,
		checkpoints: cfg.Checkpoints,
		bus:         cfg.Bus,
		errors:      cfg.Errors,
		models:      cfg.Models,
		metrics:     cfg.Metrics,
		webhooks:    newWebhookDispatcher(cfg.HTTPClient, logger),
		logger:      logger,
	}
}

// StartRequest carries everything a new run needs.
type StartRequest struct {
	ThreadID    string         `json:"thread_id,omitempty"`
	RunName     string         `json:"run_name"`
	SOP         string         `json:"sop"`
	InitialData map[string]any `json:"initial_data,omitempty"`
	UserID      string         `json:"-"`
	WorkspaceID string         `json:"-"`
	LLMModel    string         `json:"llm_model,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Broadcast   bool           `json:"broadcast,omitempty"`

	// AckKey, when set, is echoed back on the ack admin event so a
	// dashboard can correlate the accepted run with its submission.
	AckKey string `json:"ack_key,omitempty"`

	// AwaitResponse runs the engine on the caller's goroutine instead
	// of a background task, returning only once the run ends or pauses.
	AwaitResponse bool `json:"await_response,omitempty"`
}

// Start validates and launches a new run. The metadata row is written
// before anything else, so even a rejected request leaves an audit row
// with status failed.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Metadata, error) {
	if req.SOP == "" {
		return nil, errors.New("sop is required")
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	if req.RunName == "" {
		req.RunName = req.ThreadID
	}
	if req.LLMModel == "" && m.models != nil {
		req.LLMModel = m.models.DefaultModel()
	}

	meta := &Metadata{
		ThreadID:    req.ThreadID,
		RunName:     req.RunName,
		SOP:         req.SOP,
		InitialData: req.InitialData,
		UserID:      req.UserID,
		WorkspaceID: req.WorkspaceID,
		LLMModel:    req.LLMModel,
		Status:      StatusRunning,
		CallbackURL: req.CallbackURL,
		Broadcast:   req.Broadcast,
	}
	if err := m.metadata.Insert(ctx, meta); err != nil {
		return nil, err
	}

	m.bus.Admin(event.AdminEvent{
		Type:     event.TypeAck,
		ThreadID: meta.ThreadID,
		Data:     map[string]any{"ack_key": req.AckKey, "run_name": meta.RunName},
	})

	if err := m.models.Validate(meta.LLMModel); err != nil {
		meta.Status = StatusFailed
		meta.ErrorMessage = err.Error()
		if uerr := m.metadata.UpdateStatus(ctx, meta.ThreadID, StatusFailed, err.Error(), ""); uerr != nil {
			m.logger.Error("reject status update failed", "thread_id", meta.ThreadID, "error", uerr)
		}
		m.bus.Admin(event.AdminEvent{
			Type:     event.TypeRunRejected,
			ThreadID: meta.ThreadID,
			Data:     map[string]any{"reason": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}

	st := state.New(meta.ThreadID, meta.WorkspaceID, meta.SOP, cloneData(meta.InitialData), meta.LLMModel, meta.Broadcast)

	m.metrics.RunAccepted()
	m.bus.Admin(event.AdminEvent{
		Type:     event.TypeRunStarted,
		ThreadID: meta.ThreadID,
		Data:     map[string]any{"run_name": meta.RunName, "llm_model": meta.LLMModel},
	})

	if req.AwaitResponse {
		m.runTask(meta, func(ctx context.Context) (*engine.Outcome, error) {
			return m.engine.Start(ctx, st)
		})
		final, err := m.metadata.Get(ctx, meta.ThreadID)
		if err != nil {
			return meta, nil
		}
		return final, nil
	}

	m.spawn(meta, func(ctx context.Context) (*engine.Outcome, error) {
		return m.engine.Start(ctx, st)
	})
	return meta, nil
}

// spawn registers a task and drives the engine on a detached context,
// so an HTTP request finishing does not kill its run.
func (m *Manager) spawn(meta *Metadata, drive func(context.Context) (*engine.Outcome, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.tasks == nil {
		m.tasks = make(map[string]*task)
	}
	m.tasks[meta.ThreadID] = t
	m.mu.Unlock()

	go func() {
		defer close(t.done)
		defer func() {
			m.mu.Lock()
			if m.tasks[meta.ThreadID] == t {
				delete(m.tasks, meta.ThreadID)
			}
			m.mu.Unlock()
		}()
		m.drive(ctx, meta, drive)
	}()
}

// runTask drives the engine synchronously, still registering the task
// so Stop can cancel an await_response run.
func (m *Manager) runTask(meta *Metadata, driveFn func(context.Context) (*engine.Outcome, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.tasks == nil {
		m.tasks = make(map[string]*task)
	}
	m.tasks[meta.ThreadID] = t
	m.mu.Unlock()

	defer close(t.done)
	defer func() {
		m.mu.Lock()
		if m.tasks[meta.ThreadID] == t {
			delete(m.tasks, meta.ThreadID)
		}
		m.mu.Unlock()
	}()
	m.drive(ctx, meta, driveFn)
}

// drive runs the engine and settles the run afterwards. A cancelled
// context settles nothing: Stop owns the cancelled transition.
func (m *Manager) drive(ctx context.Context, meta *Metadata, driveFn func(context.Context) (*engine.Outcome, error)) {
	m.metrics.TaskUp()
	defer m.metrics.TaskDown()

	outcome, err := m.runEngine(ctx, meta, driveFn)
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}

	bg := context.Background()
	switch {
	case err != nil:
		m.finalize(bg, meta, StatusError, err.Error(), "")

	case outcome.Paused():
		if uerr := m.metadata.UpdateStatus(bg, meta.ThreadID, StatusPaused, "", ""); uerr != nil {
			m.logger.Error("pause status update failed", "thread_id", meta.ThreadID, "error", uerr)
		}
		m.bus.Admin(event.AdminEvent{
			Type:     event.TypeStatusUpdated,
			ThreadID: meta.ThreadID,
			Data:     map[string]any{"status": StatusPaused, "next_node": outcome.Next},
		})

	case outcome.State.Failed():
		m.finalize(bg, meta, StatusFailed, outcome.State.FailureError(), outcome.State.FailedSkill())

	default:
		m.finalize(bg, meta, StatusCompleted, "", "")
	}
}

// runEngine invokes the engine and converts a panic into an error, so
// a crashing run finalizes with status error instead of taking the
// process down with it.
func (m *Manager) runEngine(ctx context.Context, meta *Metadata, driveFn func(context.Context) (*engine.Outcome, error)) (outcome *engine.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 8192)
			buf = buf[:runtime.Stack(buf, false)]
			m.logger.Error("run panicked", "thread_id", meta.ThreadID, "panic", r, "stack", string(buf))
			m.errors.Record(context.Background(), syserr.Record{
				ErrorType:    "run_panic",
				Severity:     syserr.SeverityCritical,
				ThreadID:     meta.ThreadID,
				ErrorMessage: fmt.Sprint(r),
			})
			outcome = nil
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()
	return driveFn(ctx)
}

// finalize writes the terminal status, flushes the run's checkpoints
// and events to the slow tier, fires the webhook, and broadcasts the
// status change. Flush failures become system-error rows rather than
// blocking finalization.
func (m *Manager) finalize(ctx context.Context, meta *Metadata, status, errorMessage, failedSkill string) {
	if err := m.metadata.UpdateStatus(ctx, meta.ThreadID, status, errorMessage, failedSkill); err != nil {
		m.logger.Error("terminal status update failed", "thread_id", meta.ThreadID, "status", status, "error", err)
	}
	meta.Status = status
	meta.ErrorMessage = errorMessage
	meta.FailedSkill = failedSkill
	now := time.Now().UTC()
	meta.CompletedAt = &now

	if err := m.checkpoints.FlushThread(ctx, meta.ThreadID); err != nil {
		m.metrics.FlushFailed()
		severity := syserr.SeverityWarning
		var fe *checkpoint.FlushError
		if errors.As(err, &fe) && fe.Critical {
			severity = syserr.SeverityCritical
		}
		m.errors.Record(ctx, syserr.Record{
			ErrorType:    "checkpoint_flush",
			Severity:     severity,
			ThreadID:     meta.ThreadID,
			ErrorMessage: err.Error(),
			ErrorContext: map[string]any{"status": status},
		})
		m.bus.Warning(ctx, meta.ThreadID, "Checkpoint flush failed; run history may be incomplete")
		m.logger.Error("checkpoint flush failed", "thread_id", meta.ThreadID, "error", err)
	}
	if err := m.bus.FlushThread(ctx, meta.ThreadID); err != nil {
		m.errors.Record(ctx, syserr.Record{
			ErrorType:    "event_flush",
			Severity:     syserr.SeverityWarning,
			ThreadID:     meta.ThreadID,
			ErrorMessage: err.Error(),
		})
		m.logger.Error("event flush failed", "thread_id", meta.ThreadID, "error", err)
	}

	m.webhooks.Notify(meta)
	m.bus.Admin(event.AdminEvent{
		Type:     event.TypeStatusUpdated,
		ThreadID: meta.ThreadID,
		Data:     map[string]any{"status": status, "error_message": errorMessage},
	})
	m.metrics.RunFinished(status)
	m.logger.Info("run finished", "thread_id", meta.ThreadID, "status", status)
}

// Stop cancels a running or paused run. The live task, if any, gets a
// short grace period to unwind before the run is finalized as
// cancelled either way.
func (m *Manager) Stop(ctx context.Context, threadID, userID string) (*Metadata, error) {
	meta, err := m.authorize(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if Terminal(meta.Status) {
		return nil, fmt.Errorf("run %s already finished with status %s", threadID, meta.Status)
	}

	m.mu.Lock()
	t := m.tasks[threadID]
	m.mu.Unlock()
	if t != nil {
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(stopGrace):
			m.logger.Warn("task did not stop in time", "thread_id", threadID)
		}
	}

	m.finalize(ctx, meta, StatusCancelled, "", "")
	m.bus.Admin(event.AdminEvent{Type: event.TypeRunCancelled, ThreadID: threadID})
	return meta, nil
}

var rerunSuffix = regexp.MustCompile(`\s\(Rerun #\d+\)$`)

// Rerun launches a fresh run with the parent's SOP, initial data, and
// model under a new thread id.
func (m *Manager) Rerun(ctx context.Context, parentThreadID, userID string) (*Metadata, error) {
	parent, err := m.authorize(ctx, parentThreadID, userID)
	if err != nil {
		return nil, err
	}

	base := rerunSuffix.ReplaceAllString(parent.RunName, "")
	count := parent.RerunCount + 1

	meta := &Metadata{
		ThreadID:       uuid.NewString(),
		RunName:        fmt.Sprintf("%s (Rerun #%d)", base, count),
		SOP:            parent.SOP,
		InitialData:    parent.InitialData,
		UserID:         userID,
		WorkspaceID:    parent.WorkspaceID,
		LLMModel:       parent.LLMModel,
		ParentThreadID: parentThreadID,
		RerunCount:     count,
		Status:         StatusRunning,
		CallbackURL:    parent.CallbackURL,
		Broadcast:      parent.Broadcast,
	}
	if err := m.metadata.Insert(ctx, meta); err != nil {
		return nil, err
	}

	if err := m.models.Validate(meta.LLMModel); err != nil {
		if uerr := m.metadata.UpdateStatus(ctx, meta.ThreadID, StatusFailed, err.Error(), ""); uerr != nil {
			m.logger.Error("reject status update failed", "thread_id", meta.ThreadID, "error", uerr)
		}
		m.bus.Admin(event.AdminEvent{
			Type:     event.TypeRunRejected,
			ThreadID: meta.ThreadID,
			Data:     map[string]any{"reason": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}

	st := state.New(meta.ThreadID, meta.WorkspaceID, meta.SOP, cloneData(meta.InitialData), meta.LLMModel, meta.Broadcast)

	m.metrics.RunAccepted()
	m.bus.Admin(event.AdminEvent{
		Type:     event.TypeRunStarted,
		ThreadID: meta.ThreadID,
		Data:     map[string]any{"run_name": meta.RunName, "parent_thread_id": parentThreadID},
	})
	m.spawn(meta, func(ctx context.Context) (*engine.Outcome, error) {
		return m.engine.Start(ctx, st)
	})
	return meta, nil
}

// Approve resumes a run paused for human review. A non-nil dataStore
// replaces the run's data wholesale before resuming, so a reviewer can
// correct what the paused skill produced.
func (m *Manager) Approve(ctx context.Context, threadID, userID string, dataStore map[string]any) (*Metadata, error) {
	meta, err := m.authorize(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}
	if Terminal(meta.Status) {
		return nil, fmt.Errorf("run %s already finished with status %s", threadID, meta.Status)
	}

	_, next, err := m.engine.Snapshot(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if len(next) == 0 || next[0] != engine.NodeHumanReview {
		return nil, fmt.Errorf("run %s is not paused for human review", threadID)
	}

	if dataStore != nil {
		_, err = m.engine.UpdateState(ctx, threadID, func(st *state.RunState) error {
			st.DataStore = dataStore
			st.AppendHistory("Human review approved with edited data")
			return nil
		})
	} else {
		_, err = m.engine.UpdateState(ctx, threadID, func(st *state.RunState) error {
			st.AppendHistory("Human review approved")
			return nil
		})
	}
	if err != nil {
		return nil, err
	}

	if uerr := m.metadata.UpdateStatus(ctx, threadID, StatusRunning, "", ""); uerr != nil {
		m.logger.Error("resume status update failed", "thread_id", threadID, "error", uerr)
	}
	meta.Status = StatusRunning
	m.spawn(meta, func(ctx context.Context) (*engine.Outcome, error) {
		return m.engine.Resume(ctx, threadID)
	})
	return meta, nil
}

// Callback delivers an external system's result for a dispatched REST
// skill. Delivery is idempotent: once the skill's execution marker is
// in the history, repeats are acknowledged without effect. Results for
// cancelled runs are merged into the record but never revive the run.
func (m *Manager) Callback(ctx context.Context, threadID, skillName string, data map[string]any) error {
	meta, err := m.metadata.Get(ctx, threadID)
	if err != nil {
		return err
	}

	st, _, err := m.engine.Snapshot(ctx, threadID)
	if err != nil {
		return err
	}
	marker := fmt.Sprintf("Executed %s (REST callback)", skillName)
	if st.HasExecuted(skillName) {
		m.logger.Info("duplicate callback ignored", "thread_id", threadID, "skill", skillName)
		return nil
	}
	if !st.IsRestPending(skillName) {
		return fmt.Errorf("skill %s is not awaiting a callback on run %s", skillName, threadID)
	}

	_, err = m.engine.UpdateState(ctx, threadID, func(st *state.RunState) error {
		st.RemoveRestPending(skillName)
		state.DeepMerge(st.DataStore, data)
		st.AppendHistory(marker)
		return nil
	})
	if err != nil {
		return err
	}
	m.bus.Info(ctx, threadID, marker)

	if meta.Status == StatusCancelled {
		m.flushMerged(ctx, threadID)
		m.logger.Info("callback merged into cancelled run", "thread_id", threadID, "skill", skillName)
		return nil
	}

	if uerr := m.metadata.UpdateStatus(ctx, threadID, StatusRunning, "", ""); uerr != nil {
		m.logger.Error("resume status update failed", "thread_id", threadID, "error", uerr)
	}
	meta.Status = StatusRunning
	m.spawn(meta, func(ctx context.Context) (*engine.Outcome, error) {
		return m.engine.Resume(ctx, threadID)
	})
	return nil
}

// CallbackFailure records a remote system's failure report for a
// dispatched REST skill. The pending marker is removed, the run is
// marked failed, and the terminal effects (flush, webhook, broadcast)
// fire. Duplicates after the skill settled are acknowledged without
// effect, matching Callback.
func (m *Manager) CallbackFailure(ctx context.Context, threadID, skillName, message string) error {
	meta, err := m.metadata.Get(ctx, threadID)
	if err != nil {
		return err
	}
	st, _, err := m.engine.Snapshot(ctx, threadID)
	if err != nil {
		return err
	}
	if st.HasExecuted(skillName) {
		m.logger.Info("failure callback for settled skill ignored", "thread_id", threadID, "skill", skillName)
		return nil
	}
	if !st.IsRestPending(skillName) {
		return fmt.Errorf("skill %s is not awaiting a callback on run %s", skillName, threadID)
	}

	entry := fmt.Sprintf("Skill %s failed: %s", skillName, message)
	_, err = m.engine.UpdateState(ctx, threadID, func(st *state.RunState) error {
		st.RemoveRestPending(skillName)
		st.MarkFailed(skillName, message)
		st.AppendHistory(entry)
		return nil
	})
	if err != nil {
		return err
	}
	m.bus.Error(ctx, threadID, entry)

	if Terminal(meta.Status) {
		m.flushMerged(ctx, threadID)
		m.logger.Info("failure callback merged into finished run", "thread_id", threadID, "skill", skillName)
		return nil
	}
	m.finalize(ctx, meta, StatusFailed, message, skillName)
	return nil
}

// flushMerged pushes a post-terminal state update to the slow tier.
// The run already had its terminal flush, so the checkpoint written by
// the merge would otherwise sit in the fast tier for the life of the
// process and never reach the relational history.
func (m *Manager) flushMerged(ctx context.Context, threadID string) {
	if err := m.checkpoints.FlushThread(ctx, threadID); err != nil {
		m.metrics.FlushFailed()
		m.errors.Record(ctx, syserr.Record{
			ErrorType:    "checkpoint_flush",
			Severity:     syserr.SeverityWarning,
			ThreadID:     threadID,
			ErrorMessage: err.Error(),
		})
		m.logger.Error("post-terminal checkpoint flush failed", "thread_id", threadID, "error", err)
	}
}

// StatusReport is the full picture of one run for the status endpoint.
type StatusReport struct {
	ThreadID         string         `json:"thread_id"`
	RunName          string         `json:"run_name"`
	Status           string         `json:"status"`
	IsPaused         bool           `json:"is_paused"`
	IsHumanReview    bool           `json:"is_human_review"`
	IsWaitingCallbck bool           `json:"is_waiting_callback"`
	NextNode         string         `json:"next_node,omitempty"`
	ActiveSkill      string         `json:"active_skill,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	History          []string       `json:"history,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	FailedSkill      string         `json:"failed_skill,omitempty"`
	LLMModel         string         `json:"llm_model,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Status reports the run's metadata joined with its latest checkpoint.
// A run rejected before its first checkpoint reports metadata only.
func (m *Manager) Status(ctx context.Context, threadID, userID string) (*StatusReport, error) {
	meta, err := m.authorize(ctx, threadID, userID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		ThreadID:     meta.ThreadID,
		RunName:      meta.RunName,
		Status:       meta.Status,
		ErrorMessage: meta.ErrorMessage,
		FailedSkill:  meta.FailedSkill,
		LLMModel:     meta.LLMModel,
		CreatedAt:    meta.CreatedAt,
		CompletedAt:  meta.CompletedAt,
	}

	st, next, err := m.engine.Snapshot(ctx, threadID)
	if err != nil {
		if errors.Is(err, engine.ErrNoRun) {
			return report, nil
		}
		return nil, err
	}
	report.Data = st.DataStore
	report.History = st.History
	report.ActiveSkill = st.ActiveSkill
	if len(next) > 0 {
		report.NextNode = next[0]
	}
	report.IsHumanReview = report.NextNode == engine.NodeHumanReview
	report.IsWaitingCallbck = report.NextNode == engine.NodeAwaitCallback
	report.IsPaused = report.IsHumanReview || report.IsWaitingCallbck
	return report, nil
}

// Get returns a run's metadata without an ownership check, for admin
// surfaces.
func (m *Manager) Get(ctx context.Context, threadID string) (*Metadata, error) {
	return m.metadata.Get(ctx, threadID)
}

// List returns run metadata, optionally scoped to one workspace.
func (m *Manager) List(ctx context.Context, workspaceID string, limit int) ([]*Metadata, error) {
	return m.metadata.List(ctx, workspaceID, limit)
}

// DeleteRun removes every persisted trace of a run (metadata,
// checkpoints, logs, and UI events) in one transaction. Live runs
// must be stopped first.
func (m *Manager) DeleteRun(ctx context.Context, threadID string) error {
	m.mu.Lock()
	_, live := m.tasks[threadID]
	m.mu.Unlock()
	if live {
		return fmt.Errorf("run %s is still executing; stop it first", threadID)
	}
	if _, err := m.metadata.Get(ctx, threadID); err != nil {
		return err
	}

	return m.metadata.DB().WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if slow := m.checkpoints.Slow(); slow != nil {
			if err := slow.DeleteThreadTx(ctx, tx, threadID); err != nil {
				return err
			}
		}
		if sink := m.bus.Sink(); sink != nil {
			if err := sink.DeleteThreadTx(ctx, tx, threadID); err != nil {
				return err
			}
		}
		return m.metadata.DeleteTx(ctx, tx, threadID)
	})
}

// ActiveTasks reports how many run goroutines are live.
func (m *Manager) ActiveTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown cancels every live task and waits for them to unwind, up to
// the context's deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		t.cancel()
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// authorize loads a run and checks the caller owns it. Admin callers
// pass an empty userID to skip the check.
func (m *Manager) authorize(ctx context.Context, threadID, userID string) (*Metadata, error) {
	meta, err := m.metadata.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if userID != "" && meta.UserID != "" && meta.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, threadID)
	}
	return meta, nil
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
