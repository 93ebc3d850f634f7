package file

import "time"

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
