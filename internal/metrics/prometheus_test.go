package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/pkg/schema"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg, "")
	require.NoError(t, err)

	c.IdentityAcquired("worker", schema.ModeNew)
	c.IdentityAcquired("worker", schema.ModeNew)
	c.IdentityAcquired("worker", schema.ModeReactivated)
	require.Equal(t, 2.0, testutil.ToFloat64(c.acquired.WithLabelValues("worker", "new")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.acquired.WithLabelValues("worker", "reactivated")))

	c.HeartbeatReceived(true)
	c.HeartbeatReceived(false)
	c.HeartbeatReceived(false)
	require.Equal(t, 2.0, testutil.ToFloat64(c.heartbeats.WithLabelValues("false")))

	c.IdentitiesSwept(3)
	require.Equal(t, 3.0, testutil.ToFloat64(c.swept))

	c.IdentityDeleted("manual_deletion")
	require.Equal(t, 1.0, testutil.ToFloat64(c.deleted.WithLabelValues("manual_deletion")))

	c.SnapshotWritten(time.Millisecond, nil)
	c.SnapshotWritten(time.Millisecond, errors.New("disk full"))
	require.Equal(t, 1.0, testutil.ToFloat64(c.snapshotErrors))
	require.Equal(t, 1, testutil.CollectAndCount(c.snapshotLatency))

	c.RegistrySize(7, 4)
	require.Equal(t, 7.0, testutil.ToFloat64(c.identities))
	require.Equal(t, 4.0, testutil.ToFloat64(c.live))

	c.BackupCompleted(time.Second, nil)
	c.BackupCompleted(time.Second, errors.New("unreachable"))
	require.Equal(t, 1.0, testutil.ToFloat64(c.backups.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.backups.WithLabelValues("failure")))
}

func TestCollectorDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg, "naming")
	require.NoError(t, err)

	_, err = New(reg, "naming")
	require.Error(t, err)
}

func TestCollectorBoundsLabelValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg, "")
	require.NoError(t, err)

	c.IdentityDeleted(engine.ReasonBulkDeletion)
	c.IdentityDeleted("worker kept crashing on host 10.0.0.7")
	c.IdentityDeleted("another free-text note")
	require.Equal(t, 1.0, testutil.ToFloat64(c.deleted.WithLabelValues(engine.ReasonBulkDeletion)))
	require.Equal(t, 2.0, testutil.ToFloat64(c.deleted.WithLabelValues(OtherLabel)))
	require.Equal(t, 2, testutil.CollectAndCount(c.deleted))

	for i := 0; i < MaxClassLabels+10; i++ {
		c.IdentityAcquired(fmt.Sprintf("class%d", i), schema.ModeNew)
	}
	c.IdentityAcquired("class0", schema.ModeNew)
	require.Equal(t, 2.0, testutil.ToFloat64(c.acquired.WithLabelValues("class0", "new")))
	require.Equal(t, 10.0, testutil.ToFloat64(c.acquired.WithLabelValues(OtherLabel, "new")))
	require.Equal(t, MaxClassLabels+1, testutil.CollectAndCount(c.acquired))
}
