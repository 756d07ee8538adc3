package outbox

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// Monitor tracks whether the delivery network is reachable and calls the
// registered handlers on every offline to online transition.
type Monitor struct {
	mu       sync.Mutex
	online   bool
	handlers []func()

	probeURL string
	client   *http.Client

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewMonitor(initiallyOnline bool) *Monitor {
	return &Monitor{online: initiallyOnline, stopCh: make(chan struct{})}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn to run on each transition to online.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

// Set records the current connectivity. Handlers run synchronously when the
// state flips from offline to online.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	handlers := append([]func(){}, m.handlers...)
	m.mu.Unlock()

	if online && !was {
		log.Printf("connectivity: online")
		for _, fn := range handlers {
			fn()
		}
	} else if !online && was {
		log.Printf("connectivity: offline")
	}
}

// StartProbe polls probeURL every interval; any HTTP response counts as
// online, a transport error as offline.
func (m *Monitor) StartProbe(probeURL string, every time.Duration, client *http.Client) {
	if every <= 0 || probeURL == "" {
		return
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	m.probeURL = probeURL
	m.client = client

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probeOnce()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C:
				m.probeOnce()
			}
		}
	}()
}

func (m *Monitor) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.Set(false)
		return
	}
	resp.Body.Close()
	m.Set(true)
}

func (m *Monitor) Close() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
}
