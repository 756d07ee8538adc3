package outbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Options struct {
	// BaseURL resolves relative target URLs.
	BaseURL         string
	MaxRetries      int
	DeliveryTimeout time.Duration
	Client          *http.Client
	Monitor         *Monitor
}

// Outbox stores submissions before confirming them and delivers them when
// the network is reachable. A record is deleted only after the target
// acknowledged it with a 2xx status.
type Outbox struct {
	store *Store
	opts  Options

	sweepMu sync.Mutex

	// lifeMu orders spawn's wg.Add before Close's wg.Wait.
	lifeMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(store *Store, opts Options) *Outbox {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Monitor == nil {
		opts.Monitor = NewMonitor(true)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	o := &Outbox{store: store, opts: opts, stopCh: make(chan struct{})}
	opts.Monitor.OnOnline(o.SweepAsync)
	return o
}

func (o *Outbox) Store() *Store { return o.store }

func (o *Outbox) Monitor() *Monitor { return o.opts.Monitor }

// StoreSubmission persists payload for targetURL and returns the record id.
// The submission counts as accepted once it is stored; if the network is
// up, one delivery attempt starts in the background.
func (o *Outbox) StoreSubmission(ctx context.Context, payload any, targetURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(targetURL) == "" {
		return "", fmt.Errorf("store submission: empty target url")
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("store submission: %w", err)
	}
	if err := o.store.Open(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	rec := Submission{
		ID:        newID(now),
		Payload:   body,
		TargetURL: targetURL,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
	}
	if err := o.store.Put(rec); err != nil {
		return "", err
	}

	if o.opts.Monitor.Online() {
		o.spawn(func(ctx context.Context) {
			if err := o.Deliver(ctx, rec); err != nil {
				log.Printf("outbox: deliver %s: %v", rec.ID, err)
			}
		})
	}
	return rec.ID, nil
}

// Deliver makes one delivery attempt for rec. On success the record is
// deleted; on failure its retry count goes up and, once it reaches the
// retry budget, it is marked abandoned.
func (o *Outbox) Deliver(ctx context.Context, rec Submission) error {
	derr := o.post(ctx, rec)
	if derr == nil {
		if err := o.store.Delete(rec.ID); err != nil {
			return fmt.Errorf("delete delivered %s: %w", rec.ID, err)
		}
		return nil
	}

	updated, err := o.store.Update(rec.ID, func(s *Submission) {
		s.RetryCount++
		s.LastError = derr.Error()
		s.UpdatedAt = time.Now().UTC()
		if s.RetryCount >= o.opts.MaxRetries {
			s.Status = StatusAbandoned
		}
	})
	if errors.Is(err, ErrNotFound) {
		// delivered by a concurrent attempt
		return derr
	}
	if err != nil {
		return errors.Join(derr, err)
	}
	if updated.Status == StatusAbandoned {
		return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryExhausted, updated.RetryCount, derr)
	}
	return derr
}

func (o *Outbox) post(ctx context.Context, rec Submission) *DeliveryError {
	ctx, cancel := context.WithTimeout(ctx, o.opts.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.resolve(rec.TargetURL), bytes.NewReader(rec.Payload))
	if err != nil {
		return &DeliveryError{Kind: MalformedRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.opts.Client.Do(req)
	if err != nil {
		return &DeliveryError{Kind: NetworkError, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Kind: ServerError, Status: resp.StatusCode}
	}
	return nil
}

// Sweep attempts delivery of every pending record, one at a time, in store
// order (oldest id first). Abandoned records are skipped. Records stored
// after the sweep began wait for the next one.
func (o *Outbox) Sweep(ctx context.Context) (SweepResult, error) {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()

	var res SweepResult
	if err := o.store.Open(); err != nil {
		return res, err
	}
	for rec, err := range o.store.All() {
		if err != nil {
			return res, err
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		select {
		case <-o.stopCh:
			return res, nil
		default:
		}
		if o.exhausted(rec) {
			res.Skipped++
			continue
		}
		res.Attempted++
		err := o.Deliver(ctx, rec)
		switch {
		case err == nil:
			res.Delivered++
		case errors.Is(err, ErrDeliveryExhausted):
			res.Abandoned++
		default:
			res.Failed++
		}
	}
	return res, nil
}

// SweepAsync starts a sweep in the background.
func (o *Outbox) SweepAsync() {
	o.spawn(func(ctx context.Context) {
		res, err := o.Sweep(ctx)
		if err != nil {
			log.Printf("outbox: sweep: %v", err)
			return
		}
		if res.Attempted > 0 || res.Skipped > 0 {
			log.Printf("outbox: sweep attempted=%d delivered=%d failed=%d abandoned=%d skipped=%d",
				res.Attempted, res.Delivered, res.Failed, res.Abandoned, res.Skipped)
		}
	})
}

// PendingCount returns the number of stored, undelivered records, abandoned
// ones included.
func (o *Outbox) PendingCount(_ context.Context) (int, error) {
	if err := o.store.Open(); err != nil {
		return 0, err
	}
	return o.store.Count()
}

// Counts splits the stored records by status.
func (o *Outbox) Counts() (pending, abandoned int, _ error) {
	if err := o.store.Open(); err != nil {
		return 0, 0, err
	}
	for rec, err := range o.store.All() {
		if err != nil {
			return 0, 0, err
		}
		if o.exhausted(rec) {
			abandoned++
		} else {
			pending++
		}
	}
	return pending, abandoned, nil
}

func (o *Outbox) exhausted(rec Submission) bool {
	return rec.Status == StatusAbandoned || rec.RetryCount >= o.opts.MaxRetries
}

// Wait blocks until background deliveries and sweeps have finished.
func (o *Outbox) Wait() { o.wg.Wait() }

func (o *Outbox) Close() {
	o.lifeMu.Lock()
	select {
	case <-o.stopCh:
	default:
		close(o.stopCh)
	}
	o.lifeMu.Unlock()
	o.wg.Wait()
}

func (o *Outbox) spawn(fn func(ctx context.Context)) {
	o.lifeMu.Lock()
	select {
	case <-o.stopCh:
		o.lifeMu.Unlock()
		return
	default:
	}
	o.wg.Add(1)
	o.lifeMu.Unlock()
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-o.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		fn(ctx)
	}()
}

func (o *Outbox) resolve(target string) string {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return o.opts.BaseURL + target
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid json")
		}
		return append(json.RawMessage(nil), p...), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}

var idSeq atomic.Uint32

// newID is the creation time in milliseconds, a per-process sequence and a
// random suffix, so store order follows creation order.
func newID(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%013d-%06d-%s", now.UnixMilli(), idSeq.Add(1)%1000000, hex.EncodeToString(b[:]))
}
