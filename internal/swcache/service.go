package swcache

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"octoedge/internal/outbox"
)

// Service wires the cache generations, the controlling engine and the
// outbox into one process.
type Service struct {
	cfg Config

	gens       *Generations
	controller *Controller
	engine     *Engine

	outbox  *outbox.Outbox
	monitor *outbox.Monitor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type ServiceOptions struct {
	// Network overrides the transport used to reach the origin.
	Network http.RoundTripper
	// SkipActivate leaves the engine installed but inactive.
	SkipActivate bool
}

func NewService(ctx context.Context, cfg Config, so ServiceOptions) (*Service, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}
	gens, err := OpenGenerations(cfg.CacheDir(), cfg.ramMax, cfg.diskMax)
	if err != nil {
		return nil, err
	}

	network := so.Network
	if network == nil {
		network = http.DefaultTransport
	}
	eng, err := NewEngine(gens, EngineOptions{
		Origin:         origin,
		Names:          cfg.Generations(),
		OfflinePage:    cfg.Cache.OfflinePage,
		Precache:       cfg.Cache.Precache,
		BypassHosts:    cfg.Cache.BypassHosts,
		APIMarker:      cfg.Cache.APIMarker,
		RespectNoStore: *cfg.Cache.RespectNoStore,
		FetchTimeout:   cfg.fetchTimeout,
		Network:        network,
	})
	if err != nil {
		_ = gens.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		gens:       gens,
		controller: NewController(cfg.Server.Origin, network),
		engine:     eng,
		monitor:    outbox.NewMonitor(true),
		stopCh:     make(chan struct{}),
	}

	store := outbox.NewStore(cfg.OutboxDir())
	if err := store.Open(); err != nil {
		_ = gens.Close()
		return nil, err
	}
	s.outbox = outbox.New(store, cfg.OutboxOptions(&http.Client{Transport: network}, s.monitor))

	if !so.SkipActivate {
		if err := s.controller.Install(ctx, eng); err != nil {
			s.Close()
			return nil, fmt.Errorf("activate: %w", err)
		}
	}

	return s, nil
}

// Start launches the background loops: connectivity probing, an initial
// outbox sweep and the stats log.
func (s *Service) Start() {
	s.monitor.StartProbe(s.cfg.Outbox.Probe.URL, s.cfg.probeEvery, &http.Client{Timeout: 5 * time.Second})
	if s.monitor.Online() {
		s.outbox.SweepAsync()
	}
	s.warmAsync()
	if s.cfg.statsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.statsEvery)
		}()
	}
}

func (s *Service) Close() {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
	s.controller.Teardown()
	s.monitor.Close()
	s.outbox.Close()
	_ = s.outbox.Store().Close()
	s.gens.Flush()
	_ = s.gens.Close()
}

func (s *Service) Outbox() *outbox.Outbox { return s.outbox }

func (s *Service) Generations() *Generations { return s.gens }

func (s *Service) Controller() *Controller { return s.controller }

// Handler routes admin paths to the outbox and everything else through the
// controller.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Server.AdminPrefix+"/outbox", s.outbox.Handler())
	mux.Handle("/", s.controller.Handler())
	return mux
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.engine.stats.Snapshot()
	pending, abandoned, err := s.outbox.Counts()
	if err != nil {
		log.Printf("stats: outbox: %v", err)
	}
	entries := 0
	names := s.gens.Names()
	for _, n := range names {
		entries += s.gens.EntryCount(n)
	}
	log.Printf(
		"Cached: Generations: %d, Entries: %d, RAM usage: %s, Disk usage: %s, Write failures: %d, Resp Min/avg/max %s/%s/%s, Outcomes: %s, Outbox pending/abandoned: %d/%d",
		len(names),
		entries,
		formatBytes(uint64(s.gens.RAMSize())),
		formatBytes(uint64(s.gens.TotalSize())),
		s.gens.WriteFailures(),
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
		formatOutcomes(ss.Outcomes),
		pending,
		abandoned,
	)
	if rss, ok := processRSSBytes(); ok {
		log.Printf("Process RSS: %s", formatBytes(rss))
	}
}
