package historian

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common"
	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/historian/configuration"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/queue"
	"github.com/G-Research/historian/internal/historian/sqlstore"
)

func testConfiguration(t *testing.T) configuration.Configuration {
	t.Helper()
	var config configuration.Configuration
	_, err := common.LoadConfig(&config, "../../config/sqlhistorian", nil, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	config.HttpPort = 0
	config.Queue.Dir = filepath.Join(dir, "queue")
	config.Database.Connection.Params = map[string]string{"database": filepath.Join(dir, "historian.sqlite")}
	config.Batch.MaxWait = 10 * time.Millisecond
	config.Retry.InitialBackoff = 10 * time.Millisecond
	config.Retry.MaxBackoff = 100 * time.Millisecond
	config.Bus.Type = configuration.BusTypeNone
	return config
}

func TestRun_WritesRecordsLeftInQueue(t *testing.T) {
	config := testConfiguration(t)

	// Records queued by an earlier run that stopped before writing them.
	q, err := queue.Open(config.QueueOptions(), clock.RealClock{})
	require.NoError(t, err)
	for i := 0; i < 250; i++ {
		_, err := q.Enqueue(model.NewRecord("campus/rtu1/temp", baseTime.Add(time.Duration(i)*time.Second), []byte(fmt.Sprint(i)), nil))
		require.NoError(t, err)
	}
	require.NoError(t, q.Close())

	ctx, cancel := agentcontext.WithCancel(agentcontext.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, config) }()

	reader, err := sqlstore.OpenSqliteStore(ctx, config.Database.Connection.Params["database"], config.StoreConfig().Options, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer reader.Close()

	assert.Eventually(t, func() bool {
		result, err := reader.Query(ctx, sqlstore.QueryRequest{Topics: []string{"campus/rtu1/temp"}})
		return err == nil && len(result.Values["campus/rtu1/temp"]) == 250
	}, eventuallyTimeout, eventuallyTick)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(eventuallyTimeout):
		t.Fatal("historian did not stop")
	}

	result, err := reader.Query(agentcontext.Background(), sqlstore.QueryRequest{
		Topics: []string{"campus/rtu1/temp"},
		Count:  1,
		Order:  sqlstore.LastToFirst,
	})
	require.NoError(t, err)
	require.Len(t, result.Values["campus/rtu1/temp"], 1)
	assert.Equal(t, json.RawMessage(`249`), result.Values["campus/rtu1/temp"][0].Value)

	// Every record is either behind the cursor or still pending; a pending one is rewritten harmlessly next run.
	q, err = queue.Open(config.QueueOptions(), clock.RealClock{})
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, uint64(250), q.Cursor()+uint64(q.Len()))
}
