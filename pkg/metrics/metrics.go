package metrics

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
)

// Gauge and counter samples are written into a tstorage timeseries store under
// the application workdir, and the latest value of each metric is mirrored in
// memory for cheap reads by the watchdog and the stats API.

var (
	storage tstorage.Storage

	latestMux sync.RWMutex
	latest    = map[string]int64{}
)

// InitMetrics opens the timeseries store under workdir/data/metrics.
func InitMetrics(workdir string) error {
	var err error
	storage, err = tstorage.NewStorage(
		tstorage.WithDataPath(filepath.Join(workdir, "data", "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7*24*time.Hour),
	)
	return err
}

// SetGauge records the current value of a metric.
func SetGauge(name string, value int64) {
	latestMux.Lock()
	latest[name] = value
	latestMux.Unlock()

	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{
		{
			Metric:    name,
			DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: float64(value)},
		},
	})
}

// IncrCounter adds delta to a metric's running value.
func IncrCounter(name string, delta int64) {
	latestMux.Lock()
	latest[name] += delta
	value := latest[name]
	latestMux.Unlock()

	if storage == nil {
		return
	}
	_ = storage.InsertRows([]tstorage.Row{
		{
			Metric:    name,
			DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: float64(value)},
		},
	})
}

// GetValue returns the latest recorded value for a metric, or 0.
func GetValue(name string) int64 {
	latestMux.RLock()
	defer latestMux.RUnlock()
	return latest[name]
}

// Select returns stored datapoints for a metric in [start, end].
func Select(name string, start, end int64) ([]*tstorage.DataPoint, error) {
	if storage == nil {
		return nil, nil
	}
	return storage.Select(name, nil, start, end)
}

// Close flushes and closes the timeseries store.
func Close() error {
	if storage == nil {
		return nil
	}
	return storage.Close()
}
