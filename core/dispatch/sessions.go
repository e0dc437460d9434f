package dispatch

import (
	"sync"
	"time"
)

// PlanStep is one entry of an orchestrator plan.
type PlanStep struct {
	WorkflowID  string `json:"workflow_id"`
	Description string `json:"description,omitempty"`
}

// HistoryEntry records one completed plan step.
type HistoryEntry struct {
	StepInfo  PlanStep       `json:"step_info"`
	Result    map[string]any `json:"result"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session is the orchestrator's per-request state. It lives only in memory;
// loss on restart is tolerated, corruption is not.
type Session struct {
	mu sync.Mutex

	SessionID        string         `json:"session_id"`
	DispatcherID     string         `json:"dispatcher_id"`
	Plan             []PlanStep     `json:"plan"`
	CurrentStep      int            `json:"current_step"`
	InitialQuery     string         `json:"initial_query"`
	ExecutionHistory []HistoryEntry `json:"execution_history"`
	IsAgentMode      bool           `json:"is_agent_mode"`
	DispatcherConfig map[string]any `json:"dispatcher_config"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Lock serializes callback handling per session; callbacks for different
// sessions proceed concurrently.
func (s *Session) Lock() { s.mu.Lock() }

func (s *Session) Unlock() { s.mu.Unlock() }

// SessionStore holds orchestrator sessions keyed dispatcher_id, then
// session_id. Operations are atomic per session; callbacks for different
// sessions proceed concurrently under the single lock's short critical
// sections.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]map[string]*Session),
	}
}

// Put stores a session under its dispatcher.
func (s *SessionStore) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.sessions[sess.DispatcherID]
	if !ok {
		byID = make(map[string]*Session)
		s.sessions[sess.DispatcherID] = byID
	}
	byID[sess.SessionID] = sess
}

// Get returns a session of a known dispatcher.
func (s *SessionStore) Get(dispatcherID, sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.sessions[dispatcherID]
	if !ok {
		return nil, false
	}
	sess, ok := byID[sessionID]
	return sess, ok
}

// Find scans every dispatcher for the session id. Callbacks carry only the
// session id, so this is an O(D) lookup; D stays small in practice.
func (s *SessionStore) Find(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, byID := range s.sessions {
		if sess, ok := byID[sessionID]; ok {
			return sess, true
		}
	}
	return nil, false
}

// Delete removes a session; deletion on plan completion is guaranteed by the
// orchestrator calling this before returning the terminal result.
func (s *SessionStore) Delete(dispatcherID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byID, ok := s.sessions[dispatcherID]; ok {
		delete(byID, sessionID)
		if len(byID) == 0 {
			delete(s.sessions, dispatcherID)
		}
	}
}

// Count returns the total number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, byID := range s.sessions {
		n += len(byID)
	}
	return n
}
