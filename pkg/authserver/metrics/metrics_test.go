// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveActiveKey(t *testing.T) { //nolint:paralleltest // mutates a global gauge
	created := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	ObserveActiveKey(created)
	assert.InDelta(t, float64(created.Unix()), testutil.ToFloat64(ActiveKeyCreatedTimestamp), 0)

	// zero time leaves the gauge untouched
	ObserveActiveKey(time.Time{})
	assert.InDelta(t, float64(created.Unix()), testutil.ToFloat64(ActiveKeyCreatedTimestamp), 0)
}

func TestCollectorsRegistered(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, testutil.CollectAndCount(KeysDeletedTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(ActiveKeyCreatedTimestamp))
}
