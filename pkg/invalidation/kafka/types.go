package kafka

import (
	"fmt"
	"strings"
	"time"
)

const (
	// OpPurgeFingerprints drops the named fingerprints under one model.
	OpPurgeFingerprints = "purge_fingerprints"
	// OpPurgeModel drops every cached entry stored under the model prefix,
	// the bulk path for model upgrades.
	OpPurgeModel = "purge_model"
)

// PurgeEvent is one cache invalidation message. Version makes redelivery
// idempotent: an event is applied only when its version is higher than
// the last one seen for the same target. Version 0 opts out of tracking
// and always applies.
type PurgeEvent struct {
	Op           string    `json:"op"`
	Model        string    `json:"model"`
	Fingerprints []string  `json:"fingerprints,omitempty"`
	Version      uint64    `json:"version,omitempty"`
	TS           time.Time `json:"ts"`
	Reason       string    `json:"reason,omitempty"`
}

func (e PurgeEvent) Validate() error {
	switch e.Op {
	case OpPurgeFingerprints, OpPurgeModel:
	default:
		return fmt.Errorf("op must be %s|%s", OpPurgeFingerprints, OpPurgeModel)
	}
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.Op == OpPurgeFingerprints {
		if len(e.Fingerprints) == 0 {
			return fmt.Errorf("%s requires at least one fingerprint", OpPurgeFingerprints)
		}
		for _, fp := range e.Fingerprints {
			if !hexish(fp) {
				return fmt.Errorf("fingerprint %q is not a hex digest", fp)
			}
		}
	}
	return nil
}

func hexish(s string) bool {
	if len(s) != 16 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
