// Package kafka consumes cache purge events from a Kafka topic and
// applies them to a cache backend. Annotation runs share one cache;
// when a model is retrained or a reference window turns out to be bad,
// a purge event evicts the stale scores fleet-wide without restarting
// anything.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"varanno/internal/fingerprint"
)

// Store is the slice of the cache backend the runner needs.
type Store interface {
	Delete(ctx context.Context, keys ...string) error
	PurgeModel(ctx context.Context, model string) (int, error)
}

type Runner struct {
	log   zerolog.Logger
	cfg   Config
	store Store
	ms    *metricSet
	ver   *versionDedupe

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type Options struct {
	Register prometheus.Registerer
}

func New(cfg Config, store Store, log zerolog.Logger, opts Options) *Runner {
	return &Runner{
		log:    log,
		cfg:    cfg,
		store:  store,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(cfg.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info().Str("driver", string(r.cfg.Driver)).Bool("enabled", r.cfg.Enabled).
			Msg("invalidation runner disabled")
		return nil
	}
	if r.store == nil {
		return errors.New("kafka runner: store dependency is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup:   func(sess sarama.ConsumerGroupSession) { r.markAssigned(sess.Claims()) },
		cleanup: func(sarama.ConsumerGroupSession) { r.clearAssigned() },
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error().Err(err).Msg("kafka consumer group close")
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error().Err(err).Msg("kafka consume error")
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error().Err(err).Msg("kafka group error")
		}
	}()

	r.log.Info().
		Str("topic", r.cfg.Topic).
		Str("group", r.cfg.GroupID).
		Strs("brokers", r.cfg.Brokers).
		Msg("kafka invalidation runner started")
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info().Msg("kafka invalidation runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) markAssigned(claims map[string][]int32) {
	r.assignMu.Lock()
	r.assigned.Store(true)
	r.assign = map[int32]struct{}{}
	for _, parts := range claims {
		for _, p := range parts {
			r.assign[p] = struct{}{}
		}
	}
	r.assignMu.Unlock()
}

func (r *Runner) clearAssigned() {
	r.assignMu.Lock()
	r.assigned.Store(false)
	r.assign = map[int32]struct{}{}
	r.assignMu.Unlock()
}

func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev PurgeEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("validate: %w", err)
	}

	var err error
	switch ev.Op {
	case OpPurgeModel:
		err = r.purgeModel(ctx, ev)
	case OpPurgeFingerprints:
		err = r.purgeFingerprints(ctx, ev)
	}
	r.observe(ev.Op, err, time.Since(start))
	return err
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

func (r *Runner) purgeModel(ctx context.Context, ev PurgeEvent) error {
	model := fingerprint.NormalizeModel(ev.Model)
	target := "model:" + model
	if ev.Version > 0 && !r.ver.wouldApply(target, ev.Version) {
		r.ms.apply.WithLabelValues("skip_version").Inc()
		return nil
	}

	n, err := r.store.PurgeModel(ctx, model)
	if err != nil {
		return fmt.Errorf("purge model %s: %w", model, err)
	}
	if ev.Version > 0 {
		r.ver.record(target, ev.Version)
	}
	r.ms.apply.WithLabelValues("delete").Add(float64(n))

	r.log.Info().
		Str("op", ev.Op).
		Str("model", model).
		Int("entries", n).
		Str("reason", ev.Reason).
		Msg("model purged")
	return nil
}

func (r *Runner) purgeFingerprints(ctx context.Context, ev PurgeEvent) error {
	keys := make([]string, 0, len(ev.Fingerprints))
	for _, fp := range ev.Fingerprints {
		key := fingerprint.StorageKey(ev.Model, fingerprint.Fingerprint(fp))
		if ev.Version > 0 && !r.ver.wouldApply(key, ev.Version) {
			r.ms.apply.WithLabelValues("skip_version").Inc()
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}

	if err := r.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("delete %d keys: %w", len(keys), err)
	}
	if ev.Version > 0 {
		for _, k := range keys {
			r.ver.record(k, ev.Version)
		}
	}
	r.ms.apply.WithLabelValues("delete").Add(float64(len(keys)))

	r.log.Info().
		Str("op", ev.Op).
		Str("model", ev.Model).
		Int("keys", len(keys)).
		Str("reason", ev.Reason).
		Msg("fingerprints purged")
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
