package prometheus

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New("vislocate", reg)
	require.NoError(t, err)

	c.RecordIndexBuild(120, time.Millisecond, nil)
	c.RecordPairMatch(40, time.Millisecond, nil)
	c.RecordPairMatch(2, time.Millisecond, nil)
	c.RecordRetrieval(10, time.Millisecond)
	c.RecordLocalize(35, 5*time.Millisecond, nil)
	c.RecordLocalize(0, 5*time.Millisecond, errors.New("no candidates"))

	assert.InDelta(t, 120, testutil.ToFloat64(c.indexedRegions), 0)
	assert.InDelta(t, 42, testutil.ToFloat64(c.pairMatches), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.localizations.WithLabelValues("success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(c.localizations.WithLabelValues("error")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "vislocate_operation_latency_seconds")
	assert.Contains(t, names, "vislocate_retrieval_candidates")
}

func TestCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New("vislocate", reg)
	require.NoError(t, err)

	_, err = New("vislocate", reg)
	assert.Error(t, err)
}
