package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

func TestMetrics_RecordEvaluation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordEvaluation(featuregate.FeatureLifeplanRegen, featuregate.TierPlus, true, 5*time.Millisecond)
	m.RecordEvaluation(featuregate.FeatureLifeplanRegen, featuregate.TierPlus, false, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("lifeplan_regen", "plus", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("lifeplan_regen", "plus", "false")))
}

func TestMetrics_RecordCommit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordCommit(featuregate.FeatureResumeBuilder, featuregate.TierTrial, featuregate.SourceCourseToken, nil)
	m.RecordCommit(featuregate.FeatureResumeBuilder, featuregate.TierTrial, "", errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitsTotal.WithLabelValues("resume_builder", "trial", "course_token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commitErrorsTotal.WithLabelValues("resume_builder", "trial")))
}

func TestMetrics_StorageAndBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStorageOperation("apply_debit", time.Millisecond, nil)
	m.RecordStorageOperation("apply_debit", time.Millisecond, errors.New("down"))
	m.RecordCircuitBreakerStateChange("open")
	m.RecordRollover(featuregate.TierStarter)
	m.RecordDedupHit(featuregate.GenerationInProgress)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.storageOpsErrors.WithLabelValues("apply_debit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreakerStateChanges.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rolloversTotal.WithLabelValues("starter")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dedupHitsTotal.WithLabelValues("in_progress")))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected metrics to be recorded")
	}
}
