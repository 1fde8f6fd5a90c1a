package config

import "time"

// ReconcileConfig defines the periodic reconciliation sweep
type ReconcileConfig struct {
	IntervalSecs           int  `json:"interval_secs,omitempty" yaml:"interval_secs,omitempty" validate:"min=1"`
	StalenessThresholdSecs int  `json:"staleness_threshold_secs,omitempty" yaml:"staleness_threshold_secs,omitempty" validate:"min=0"`
	RehashOnSweep          bool `json:"rehash_on_sweep" yaml:"rehash_on_sweep"`
	MaxConcurrent          int  `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty" validate:"min=1"`
}

// NewDefaultReconcileConfig creates default reconciliation configuration
func NewDefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		IntervalSecs:           DefaultReconcileIntervalSecs,
		StalenessThresholdSecs: DefaultStalenessThresholdSecs,
		RehashOnSweep:          DefaultReconcileRehashOnSweep,
		MaxConcurrent:          DefaultReconcileMaxConcurrent,
	}
}

// Interval returns the sweep interval.
func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// StalenessThreshold returns the age after which anchors are re-verified.
func (c ReconcileConfig) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdSecs) * time.Second
}
