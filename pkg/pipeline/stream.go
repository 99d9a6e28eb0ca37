package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicateRequest means InitializeStream was called twice for one id.
// That is a programmer error at the call site, not a retryable condition.
var ErrDuplicateRequest = errors.New("stream already initialized for request id")

// RequestStatus is the poll-visible snapshot of one request.
type RequestStatus struct {
	RequestID   string       `json:"request_id"`
	ProjectID   string       `json:"project_id"`
	Query       string       `json:"query"`
	Phase       Phase        `json:"phase"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdateCount int          `json:"update_count"`
	QuickAnswer *QuickAnswer `json:"quick_answer,omitempty"`
	FinalResult *FinalAnswer `json:"final_result,omitempty"`
	Error       string       `json:"error,omitempty"`
}

type requestState struct {
	mu         sync.Mutex
	id         string
	projectID  string
	query      string
	createdAt  time.Time
	phase      Phase
	updates    []StreamUpdate
	quick      *QuickAnswer
	final      *FinalAnswer
	err        error
	superseded bool
	finishedAt time.Time

	subscribers map[int]chan StreamUpdate
	nextSubID   int
}

// StreamManager owns the mutable state of every in-flight request. It
// performs no I/O itself; updates are broadcast to zero or more subscribers
// owned by the transport layer.
type StreamManager struct {
	mu       sync.RWMutex
	requests map[string]*requestState

	Budget    time.Duration
	Retention time.Duration
	Logger    *slog.Logger

	now func() time.Time
}

func NewStreamManager(budget, retention time.Duration) *StreamManager {
	if budget <= 0 {
		budget = 120 * time.Second
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &StreamManager{
		requests:  make(map[string]*requestState),
		Budget:    budget,
		Retention: retention,
		Logger:    slog.Default(),
		now:       time.Now,
	}
}

// InitializeStream creates per-request state in phase classifying.
func (m *StreamManager) InitializeStream(requestID, projectID, query string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[requestID]; exists {
		return ErrDuplicateRequest
	}
	m.requests[requestID] = &requestState{
		id:          requestID,
		projectID:   projectID,
		query:       query,
		createdAt:   m.now(),
		phase:       PhaseClassifying,
		subscribers: make(map[int]chan StreamUpdate),
	}
	return nil
}

func (m *StreamManager) get(requestID string) *requestState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[requestID]
}

// StreamInitialAnswer records the quick answer and emits the initial_answer
// update. A second call for the same request is a logged no-op.
func (m *StreamManager) StreamInitialAnswer(requestID string, answer QuickAnswer) {
	st := m.get(requestID)
	if st == nil {
		m.Logger.Warn("Initial answer for unknown request", "request_id", requestID)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase.Terminal() {
		return
	}
	if st.quick != nil {
		m.Logger.Warn("Duplicate initial answer ignored", "request_id", requestID)
		return
	}

	st.quick = &answer
	st.phase = PhaseQuickAnswer
	st.emitLocked(StreamUpdate{
		RequestID: requestID,
		Type:      UpdateInitialAnswer,
		Payload:   answer,
		Timestamp: m.now(),
	})
}

// AddBackgroundUpdate appends a background_progress update. Safe to call any
// number of times; dropped once the request is terminal.
func (m *StreamManager) AddBackgroundUpdate(requestID, stage string, payload any) {
	st := m.get(requestID)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase.Terminal() {
		m.Logger.Debug("Background update after terminal state dropped", "request_id", requestID, "stage", stage)
		return
	}
	if st.phase == PhaseQuickAnswer {
		st.phase = PhaseRefining
	}
	st.emitLocked(StreamUpdate{
		RequestID: requestID,
		Type:      UpdateBackgroundProgress,
		Stage:     stage,
		Payload:   payload,
		Timestamp: m.now(),
	})
}

// ShouldTerminate is the cooperative cancellation check. It returns true when
// the request no longer exists, has exceeded its wall-clock budget, or has
// been superseded. Budget and supersession move the request to terminated.
func (m *StreamManager) ShouldTerminate(requestID string) bool {
	st := m.get(requestID)
	if st == nil {
		return true
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case st.phase.Terminal():
		return true
	case st.superseded:
		m.terminateLocked(st, "superseded")
		return true
	case m.now().Sub(st.createdAt) > m.Budget:
		m.terminateLocked(st, "budget exceeded")
		return true
	}
	return false
}

func (m *StreamManager) terminateLocked(st *requestState, reason string) {
	st.phase = PhaseTerminated
	st.finishedAt = m.now()
	m.Logger.Info("Request terminated", "request_id", st.id, "reason", reason)
	st.closeSubscribersLocked()
}

// Supersede marks a request so its next termination check aborts the
// background work. Used when a newer request replaces it.
func (m *StreamManager) Supersede(requestID string) {
	st := m.get(requestID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.phase.Terminal() {
		st.superseded = true
	}
}

// FinalizeResponse stores the terminal result and emits the final update.
// Subsequent calls are no-ops.
func (m *StreamManager) FinalizeResponse(requestID string, result FinalAnswer, metadata map[string]any) {
	st := m.get(requestID)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase.Terminal() {
		return
	}

	st.final = &result
	st.phase = PhaseFinalized
	st.finishedAt = m.now()
	st.emitLocked(StreamUpdate{
		RequestID: requestID,
		Type:      UpdateFinal,
		Answer:    &result,
		Metadata:  metadata,
		Timestamp: m.now(),
	})
	st.closeSubscribersLocked()
}

// HandleError moves the request to failed and emits the error update.
// Idempotent; a terminal request stays untouched.
func (m *StreamManager) HandleError(requestID string, cause error) {
	st := m.get(requestID)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase.Terminal() {
		return
	}

	st.err = cause
	st.phase = PhaseFailed
	st.finishedAt = m.now()
	st.emitLocked(StreamUpdate{
		RequestID: requestID,
		Type:      UpdateError,
		Error:     cause.Error(),
		Timestamp: m.now(),
	})
	st.closeSubscribersLocked()
}

// Snapshot returns the poll-visible state of a request.
func (m *StreamManager) Snapshot(requestID string) (RequestStatus, bool) {
	st := m.get(requestID)
	if st == nil {
		return RequestStatus{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	status := RequestStatus{
		RequestID:   st.id,
		ProjectID:   st.projectID,
		Query:       st.query,
		Phase:       st.phase,
		CreatedAt:   st.createdAt,
		UpdateCount: len(st.updates),
		QuickAnswer: st.quick,
		FinalResult: st.final,
	}
	if st.err != nil {
		status.Error = st.err.Error()
	}
	return status, true
}

// Subscribe attaches a consumer. Buffered updates are replayed first, then
// live updates flow on the channel until the request terminates or the
// returned cancel func runs. ok is false for unknown requests.
func (m *StreamManager) Subscribe(requestID string) (replay []StreamUpdate, ch <-chan StreamUpdate, cancel func(), ok bool) {
	st := m.get(requestID)
	if st == nil {
		return nil, nil, nil, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	replay = append([]StreamUpdate{}, st.updates...)

	c := make(chan StreamUpdate, 16)
	if st.phase.Terminal() {
		close(c)
		return replay, c, func() {}, true
	}

	id := st.nextSubID
	st.nextSubID++
	st.subscribers[id] = c

	cancel = func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if sub, live := st.subscribers[id]; live {
			delete(st.subscribers, id)
			close(sub)
		}
	}
	return replay, c, cancel, true
}

// emitLocked records the update and broadcasts it. Slow subscribers are
// skipped; the transport owns delivery guarantees, not the core.
func (st *requestState) emitLocked(u StreamUpdate) {
	st.updates = append(st.updates, u)
	for _, ch := range st.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
}

func (st *requestState) closeSubscribersLocked() {
	for id, ch := range st.subscribers {
		close(ch)
		delete(st.subscribers, id)
	}
}

// Evict removes a request after the consumer confirms delivery.
func (m *StreamManager) Evict(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, exists := m.requests[requestID]; exists {
		st.mu.Lock()
		st.closeSubscribersLocked()
		st.mu.Unlock()
		delete(m.requests, requestID)
	}
}

// RunJanitor evicts terminal requests past the retention timeout until the
// context is done. Intended to run as a goroutine from main.
func (m *StreamManager) RunJanitor(done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *StreamManager) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, st := range m.requests {
		st.mu.Lock()
		expired := st.phase.Terminal() && !st.finishedAt.IsZero() && now.Sub(st.finishedAt) > m.Retention
		// A request stuck non-terminal well past its budget is leaked state;
		// sweep it too once retention has additionally elapsed.
		if !expired && now.Sub(st.createdAt) > m.Budget+m.Retention {
			expired = true
		}
		if expired {
			st.closeSubscribersLocked()
		}
		st.mu.Unlock()
		if expired {
			delete(m.requests, id)
		}
	}
}
