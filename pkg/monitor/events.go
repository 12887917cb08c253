package monitor

// Subscribe returns a channel receiving the device set changes, and the function
// to call to stop receiving them. Slow subscribers miss events: sends never block
// the poll loop.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	m.subscribersLock.Lock()
	m.subscribers[ch] = struct{}{}
	m.subscribersLock.Unlock()

	return ch, func() {
		m.subscribersLock.Lock()
		defer m.subscribersLock.Unlock()
		if _, ok := m.subscribers[ch]; ok {
			delete(m.subscribers, ch)
			close(ch)
		}
	}
}

func (m *Monitor) publish(ev Event) {
	m.subscribersLock.Lock()
	defer m.subscribersLock.Unlock()

	for ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			m.log.Warnf("dropping event %s for a slow subscriber", ev.ID)
		}
	}
}

func (m *Monitor) closeSubscribers() {
	m.subscribersLock.Lock()
	defer m.subscribersLock.Unlock()

	for ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, ch)
	}
}
