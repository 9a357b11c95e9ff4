// Package sloghooks logs refcache hook events through log/slog, with
// sampling for the floody ones and key redaction for shared logs.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	refcache "github.com/nuchit2019/microservices-cache-redis-kafka"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery     uint64
	PopulateRaceEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	raceCtr     atomic.Uint64
}

var _ refcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("refcache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) PopulateRaced(storageKey string) {
	if h.l == nil || !sample(h.opts.PopulateRaceEvery, &h.raceCtr) {
		return
	}
	h.l.Debug("refcache.populate_raced",
		"key", h.redact(storageKey))
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("refcache.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) InvalidateDegraded(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("refcache.invalidate_degraded",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) PublishRetry(topic, eventID string, attempt int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("refcache.publish_retry",
		"topic", topic,
		"event", eventID,
		"attempt", attempt,
		"err", err)
}

func (h *Hooks) PublishDropped(topic, eventID string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("refcache.publish_dropped",
		"topic", topic,
		"event", eventID,
		"err", err)
}

func (h *Hooks) DedupHit(group, eventID string) {
	if h.l == nil {
		return
	}
	h.l.Debug("refcache.dedup_hit",
		"group", group,
		"event", eventID)
}

func (h *Hooks) EventRejected(topic, reason string) {
	if h.l == nil {
		return
	}
	h.l.Error("refcache.event_rejected",
		"topic", topic,
		"reason", reason)
}

func (h *Hooks) GenError(op, storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("refcache.gen_error",
		"op", op,
		"key", h.redact(storageKey),
		"err", err)
}
