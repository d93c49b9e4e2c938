package services

import (
	"sync"

	"codecast/internal/core/domain"
	"codecast/internal/core/ports"
)

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ViewerCount(domain.RoomID, int)                  {}
func (NopMetrics) LinkFailed(domain.RoomID, string)                {}
func (NopMetrics) NegotiationCompleted(domain.Role, float64)       {}
func (NopMetrics) ViewerOutcome(domain.RoomID, domain.ViewerState) {}

// MetricsService keeps the latest coordinator metrics in memory. It is used where
// no Prometheus registry is wired and as a fan-out in front of one.
type MetricsService struct {
	mu sync.RWMutex

	viewerCount  map[domain.RoomID]int
	linkFailures map[domain.RoomID]map[string]int
	negotiations map[domain.Role][]float64
	outcomes     map[domain.RoomID]map[domain.ViewerState]int

	next ports.SessionMetrics
}

// NewMetricsService returns an in-memory recorder. next, if not nil, receives every call too.
func NewMetricsService(next ports.SessionMetrics) *MetricsService {
	if next == nil {
		next = NopMetrics{}
	}
	return &MetricsService{
		viewerCount:  make(map[domain.RoomID]int),
		linkFailures: make(map[domain.RoomID]map[string]int),
		negotiations: make(map[domain.Role][]float64),
		outcomes:     make(map[domain.RoomID]map[domain.ViewerState]int),
		next:         next,
	}
}

func (m *MetricsService) ViewerCount(roomID domain.RoomID, count int) {
	m.mu.Lock()
	m.viewerCount[roomID] = count
	m.mu.Unlock()
	m.next.ViewerCount(roomID, count)
}

func (m *MetricsService) LinkFailed(roomID domain.RoomID, reason string) {
	m.mu.Lock()
	if m.linkFailures[roomID] == nil {
		m.linkFailures[roomID] = make(map[string]int)
	}
	m.linkFailures[roomID][reason]++
	m.mu.Unlock()
	m.next.LinkFailed(roomID, reason)
}

func (m *MetricsService) NegotiationCompleted(role domain.Role, seconds float64) {
	m.mu.Lock()
	m.negotiations[role] = append(m.negotiations[role], seconds)
	m.mu.Unlock()
	m.next.NegotiationCompleted(role, seconds)
}

func (m *MetricsService) ViewerOutcome(roomID domain.RoomID, state domain.ViewerState) {
	m.mu.Lock()
	if m.outcomes[roomID] == nil {
		m.outcomes[roomID] = make(map[domain.ViewerState]int)
	}
	m.outcomes[roomID][state]++
	m.mu.Unlock()
	m.next.ViewerOutcome(roomID, state)
}

func (m *MetricsService) GetViewerCount(roomID domain.RoomID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewerCount[roomID]
}

func (m *MetricsService) GetLinkFailures(roomID domain.RoomID, reason string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.linkFailures[roomID][reason]
}

func (m *MetricsService) GetNegotiationCount(role domain.Role) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.negotiations[role])
}

func (m *MetricsService) GetViewerOutcomes(roomID domain.RoomID, state domain.ViewerState) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outcomes[roomID][state]
}
