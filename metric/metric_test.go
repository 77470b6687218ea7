// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestAverager(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewAverager("test_latency", "test latency", reg)
	require.NoError(t, err)
	require.Equal(t, float64(0), a.Read())

	a.Observe(10)
	a.Observe(20)
	require.Equal(t, float64(15), a.Read())
}

func TestAveragerDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewAverager("dup", "dup", reg)
	require.NoError(t, err)
	_, err = NewAverager("dup", "dup", reg)
	require.Error(t, err)
}

func TestCounter(t *testing.T) {
	c := NewCounter()
	require.Equal(t, int64(0), c.Read())
	c.Inc()
	c.Add(4)
	require.Equal(t, int64(5), c.Read())
}

func TestGauge(t *testing.T) {
	g := NewGauge()
	g.Set(3)
	g.Add(-1)
	require.Equal(t, float64(2), g.Read())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.GetCounter("missing")
	require.Error(t, err)

	c := r.NewCounter("requests")
	c.Inc()
	got, err := r.GetCounter("requests")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Read())
}

func TestNewConsensus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewConsensus(reg)
	require.NoError(t, err)

	c.VerticesFinalized.Inc()
	c.ConsensusMode.Set(2)

	_, err = NewConsensus(reg)
	require.Error(t, err, "registering a second Consensus set against the same registry must fail")
}
