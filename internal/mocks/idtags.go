package mocks

// MockIDTagSource is a mock implementation of the station.IDTagSource
// interface backed by a fixed tag list.
type MockIDTagSource struct {
	Tags []string
	next int

	NextFunc     func(connectorID int) (string, bool)
	ContainsFunc func(idTag string) bool
}

func NewMockIDTagSource(tags ...string) *MockIDTagSource {
	return &MockIDTagSource{Tags: tags}
}

func (m *MockIDTagSource) Next(connectorID int) (string, bool) {
	if m.NextFunc != nil {
		return m.NextFunc(connectorID)
	}
	if len(m.Tags) == 0 {
		return "", false
	}
	tag := m.Tags[m.next%len(m.Tags)]
	m.next++
	return tag, true
}

func (m *MockIDTagSource) Contains(idTag string) bool {
	if m.ContainsFunc != nil {
		return m.ContainsFunc(idTag)
	}
	for _, t := range m.Tags {
		if t == idTag {
			return true
		}
	}
	return false
}
