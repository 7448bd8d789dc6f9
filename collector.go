package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ReneHollander/zspa/zfs/kstat"
	"github.com/ReneHollander/zspa/zfs/metaslab"
	"github.com/ReneHollander/zspa/zfs/spa"
	"github.com/ReneHollander/zspa/zfs/vdev"
)

func describe(ch *chan<- *prometheus.Desc, desc **prometheus.Desc, d *prometheus.Desc) {
	*desc = d
	if ch != nil {
		*ch <- d
	}
}

func export(ch *chan<- prometheus.Metric, desc *prometheus.Desc, valueType prometheus.ValueType, v float64, labels []string) error {
	metric, err := prometheus.NewConstMetric(desc, valueType, v, labels...)
	if err != nil {
		return fmt.Errorf("error exporting metric %v: %w", desc, err)
	}
	if ch != nil {
		*ch <- metric
	}
	return nil
}

type poolCollector struct {
	pool *spa.Pool

	poolState             *prometheus.Desc
	poolTxg               *prometheus.Desc
	poolSyncedTxg         *prometheus.Desc
	poolDirtyBytes        *prometheus.Desc
	poolAllocSpace        *prometheus.Desc
	poolDeferredSpace     *prometheus.Desc
	poolTotalSpace        *prometheus.Desc
	poolAllocatableGroups *prometheus.Desc

	vdevState       *prometheus.Desc
	vdevPhysSpace   *prometheus.Desc
	vdevAllocatable *prometheus.Desc
	vdevReadOps     *prometheus.Desc
	vdevReadBytes   *prometheus.Desc
	vdevReadErrors  *prometheus.Desc
	vdevWriteOps    *prometheus.Desc
	vdevWriteBytes  *prometheus.Desc
	vdevWriteErrors *prometheus.Desc
	vdevWaitTime    *prometheus.Desc
	vdevRunTime     *prometheus.Desc

	vdevQueueActive     *prometheus.Desc
	vdevQueuePending    *prometheus.Desc
	vdevAsyncWriteLimit *prometheus.Desc

	groupAllocSpace    *prometheus.Desc
	groupDeferredSpace *prometheus.Desc
	groupTotalSpace    *prometheus.Desc
	groupFreeCapacity  *prometheus.Desc
	groupFragmentation *prometheus.Desc
	groupAllocatable   *prometheus.Desc

	metaslabWeight        *prometheus.Desc
	metaslabFragmentation *prometheus.Desc
	metaslabAllocSpace    *prometheus.Desc
	metaslabLoaded        *prometheus.Desc
}

func (c *poolCollector) describe(ch *chan<- *prometheus.Desc) {
	describe(ch, &c.poolState, prometheus.NewDesc("zspa_pool_state", "", []string{"pool", "state"}, nil))
	describe(ch, &c.poolTxg, prometheus.NewDesc("zspa_pool_txg", "", []string{"pool"}, nil))
	describe(ch, &c.poolSyncedTxg, prometheus.NewDesc("zspa_pool_synced_txg", "", []string{"pool"}, nil))
	describe(ch, &c.poolDirtyBytes, prometheus.NewDesc("zspa_pool_dirty_bytes", "", []string{"pool"}, nil))
	describe(ch, &c.poolAllocSpace, prometheus.NewDesc("zspa_pool_alloc_space", "", []string{"pool"}, nil))
	describe(ch, &c.poolDeferredSpace, prometheus.NewDesc("zspa_pool_deferred_space", "", []string{"pool"}, nil))
	describe(ch, &c.poolTotalSpace, prometheus.NewDesc("zspa_pool_total_space", "", []string{"pool"}, nil))
	describe(ch, &c.poolAllocatableGroups, prometheus.NewDesc("zspa_pool_allocatable_groups", "", []string{"pool"}, nil))

	describe(ch, &c.vdevState, prometheus.NewDesc("zspa_vdev_state", "", []string{"pool", "vdev", "state"}, nil))
	describe(ch, &c.vdevPhysSpace, prometheus.NewDesc("zspa_vdev_phys_space", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevAllocatable, prometheus.NewDesc("zspa_vdev_allocatable_space", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevReadOps, prometheus.NewDesc("zspa_vdev_read_ops", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevReadBytes, prometheus.NewDesc("zspa_vdev_read_bytes", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevReadErrors, prometheus.NewDesc("zspa_vdev_read_errors", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevWriteOps, prometheus.NewDesc("zspa_vdev_write_ops", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevWriteBytes, prometheus.NewDesc("zspa_vdev_write_bytes", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevWriteErrors, prometheus.NewDesc("zspa_vdev_write_errors", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevWaitTime, prometheus.NewDesc("zspa_vdev_wait_time_ns", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.vdevRunTime, prometheus.NewDesc("zspa_vdev_run_time_ns", "", []string{"pool", "vdev"}, nil))

	describe(ch, &c.vdevQueueActive, prometheus.NewDesc("zspa_vdev_queue_active", "", []string{"pool", "vdev", "class"}, nil))
	describe(ch, &c.vdevQueuePending, prometheus.NewDesc("zspa_vdev_queue_pending", "", []string{"pool", "vdev", "class"}, nil))
	describe(ch, &c.vdevAsyncWriteLimit, prometheus.NewDesc("zspa_vdev_queue_async_write_limit", "", []string{"pool", "vdev"}, nil))

	describe(ch, &c.groupAllocSpace, prometheus.NewDesc("zspa_group_alloc_space", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.groupDeferredSpace, prometheus.NewDesc("zspa_group_deferred_space", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.groupTotalSpace, prometheus.NewDesc("zspa_group_total_space", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.groupFreeCapacity, prometheus.NewDesc("zspa_group_free_capacity_percent", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.groupFragmentation, prometheus.NewDesc("zspa_group_fragmentation_percent", "", []string{"pool", "vdev"}, nil))
	describe(ch, &c.groupAllocatable, prometheus.NewDesc("zspa_group_allocatable", "", []string{"pool", "vdev"}, nil))

	describe(ch, &c.metaslabWeight, prometheus.NewDesc("zspa_metaslab_weight", "", []string{"pool", "vdev", "metaslab"}, nil))
	describe(ch, &c.metaslabFragmentation, prometheus.NewDesc("zspa_metaslab_fragmentation_percent", "", []string{"pool", "vdev", "metaslab"}, nil))
	describe(ch, &c.metaslabAllocSpace, prometheus.NewDesc("zspa_metaslab_alloc_space", "", []string{"pool", "vdev", "metaslab"}, nil))
	describe(ch, &c.metaslabLoaded, prometheus.NewDesc("zspa_metaslab_loaded", "", []string{"pool", "vdev", "metaslab"}, nil))
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	c.describe(&ch)
}

func vdevName(s *vdev.Stats) string {
	if s.Path != "" {
		return path.Base(s.Path)
	}
	return fmt.Sprintf("disk-%d", s.ID)
}

// queueIO renders the queue statistics of v as a kstat and reads them back, so the exported counters are
// exactly what "zspa stats" prints.
func queueIO(v *vdev.Vdev) (kstat.IO, error) {
	var buf bytes.Buffer
	if err := v.Queue().WriteKStat(&buf, v.ID()); err != nil {
		return kstat.IO{}, err
	}
	r := kstat.Reader{Data: buf.Bytes()}
	k, err := kstat.ParseIO(&r)
	if err != nil {
		return k, fmt.Errorf("error parsing queue kstat of vdev %d: %w", v.ID(), err)
	}
	return k, nil
}

func (c *poolCollector) handleVdev(ch *chan<- prometheus.Metric, pool string, v *vdev.Vdev, s *vdev.Stats) error {
	name := vdevName(s)
	labels := []string{pool, name}

	for _, vdevState := range vdev.States {
		val := 0.0
		if vdevState == s.State {
			val = 1.0
		}
		if err := export(ch, c.vdevState, prometheus.GaugeValue, val, []string{pool, name, vdevState}); err != nil {
			return err
		}
	}

	if err := export(ch, c.vdevPhysSpace, prometheus.GaugeValue, float64(s.PSize), labels); err != nil {
		return err
	}
	if err := export(ch, c.vdevAllocatable, prometheus.GaugeValue, float64(s.ASize), labels); err != nil {
		return err
	}

	k, err := queueIO(v)
	if err != nil {
		return err
	}
	if err := export(ch, c.vdevReadOps, prometheus.CounterValue, float64(k.Reads), labels); err != nil {
		return err
	}
	if err := export(ch, c.vdevReadBytes, prometheus.CounterValue, float64(k.NRead), labels); err != nil {
		return err
	}
	if err := export(ch, c.vdevReadErrors, prometheus.CounterValue, float64(s.ReadErrors), labels); err != nil {
		return err
	}
	if err := export(ch, c.vdevWriteOps, prometheus.CounterValue, float64(k.Writes), labels); err != nil {
		return err
	}
	if err := export(ch, c.vdevWriteBytes, prometheus.CounterValue, float64(k.NWritten), labels); err != nil {
		return err
	}
	if err := export(ch, c.vdevWriteErrors, prometheus.CounterValue, float64(s.WriteErrors), labels); err != nil {
		return err
	}
	if err := export(ch, c.vdevWaitTime, prometheus.CounterValue, float64(k.WTime), labels); err != nil {
		return err
	}
	if err := export(ch, c.vdevRunTime, prometheus.CounterValue, float64(k.RTime), labels); err != nil {
		return err
	}

	for p := range vdev.NumQueueable {
		classLabels := []string{pool, name, p.String()}
		if err := export(ch, c.vdevQueueActive, prometheus.GaugeValue, float64(s.Queue.Active[p]), classLabels); err != nil {
			return err
		}
		if err := export(ch, c.vdevQueuePending, prometheus.GaugeValue, float64(s.Queue.Pending[p]), classLabels); err != nil {
			return err
		}
	}
	return export(ch, c.vdevAsyncWriteLimit, prometheus.GaugeValue, float64(s.Queue.AsyncWriteLimit), labels)
}

func boolValue(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

func (c *poolCollector) handleGroup(ch *chan<- prometheus.Metric, pool, name string, g *metaslab.GroupStats) error {
	labels := []string{pool, name}

	if err := export(ch, c.groupAllocSpace, prometheus.GaugeValue, float64(g.Alloc), labels); err != nil {
		return err
	}
	if err := export(ch, c.groupDeferredSpace, prometheus.GaugeValue, float64(g.Deferred), labels); err != nil {
		return err
	}
	if err := export(ch, c.groupTotalSpace, prometheus.GaugeValue, float64(g.Space), labels); err != nil {
		return err
	}
	if err := export(ch, c.groupFreeCapacity, prometheus.GaugeValue, float64(g.FreeCapacity), labels); err != nil {
		return err
	}
	if err := export(ch, c.groupFragmentation, prometheus.GaugeValue, float64(g.Fragmentation), labels); err != nil {
		return err
	}
	if err := export(ch, c.groupAllocatable, prometheus.GaugeValue, boolValue(g.Allocatable), labels); err != nil {
		return err
	}

	for _, ms := range g.Metaslabs {
		msLabels := []string{pool, name, strconv.FormatUint(ms.ID, 10)}
		if err := export(ch, c.metaslabWeight, prometheus.GaugeValue, float64(ms.Weight), msLabels); err != nil {
			return err
		}
		if err := export(ch, c.metaslabFragmentation, prometheus.GaugeValue, float64(ms.Fragmentation), msLabels); err != nil {
			return err
		}
		if err := export(ch, c.metaslabAllocSpace, prometheus.GaugeValue, float64(ms.Allocated), msLabels); err != nil {
			return err
		}
		if err := export(ch, c.metaslabLoaded, prometheus.GaugeValue, boolValue(ms.State == metaslab.Loaded), msLabels); err != nil {
			return err
		}
	}
	return nil
}

func (c *poolCollector) collect(ch *chan<- prometheus.Metric) error {
	stats := c.pool.Stats()
	pool := stats.Name
	labels := []string{pool}

	state := stats.State.String()
	for _, poolState := range spa.PoolStates {
		val := 0.0
		if poolState == state {
			val = 1.0
		}
		if err := export(ch, c.poolState, prometheus.GaugeValue, val, []string{pool, poolState}); err != nil {
			return err
		}
	}

	if err := export(ch, c.poolTxg, prometheus.GaugeValue, float64(stats.Txg), labels); err != nil {
		return err
	}
	if err := export(ch, c.poolSyncedTxg, prometheus.GaugeValue, float64(stats.SyncedTxg), labels); err != nil {
		return err
	}
	if err := export(ch, c.poolDirtyBytes, prometheus.GaugeValue, float64(stats.DirtyBytes), labels); err != nil {
		return err
	}
	if err := export(ch, c.poolAllocSpace, prometheus.GaugeValue, float64(stats.Alloc), labels); err != nil {
		return err
	}
	if err := export(ch, c.poolDeferredSpace, prometheus.GaugeValue, float64(stats.Deferred), labels); err != nil {
		return err
	}
	if err := export(ch, c.poolTotalSpace, prometheus.GaugeValue, float64(stats.Space), labels); err != nil {
		return err
	}
	if err := export(ch, c.poolAllocatableGroups, prometheus.GaugeValue, float64(stats.AllocatableGroups), labels); err != nil {
		return err
	}

	vdevs := c.pool.Vdevs()
	names := make(map[uint64]string, len(vdevs))
	for i := range stats.Vdevs {
		s := &stats.Vdevs[i]
		names[s.ID] = vdevName(s)
		if err := c.handleVdev(ch, pool, vdevs[i], s); err != nil {
			return err
		}
	}
	for i := range stats.Groups {
		g := &stats.Groups[i]
		if err := c.handleGroup(ch, pool, names[g.Vdev], g); err != nil {
			return err
		}
	}
	return nil
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	err := c.collect(&ch)
	if err != nil {
		slog.Error("error collecting and exporting pool metrics", "pool", c.pool.Name(), "error", err)
	}
}

func setup(reg *prometheus.Registry, pool *spa.Pool) error {
	err := reg.Register(&poolCollector{pool: pool})
	if err != nil {
		return fmt.Errorf("error registering pool collector: %w", err)
	}

	err = reg.Register(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err != nil {
		return fmt.Errorf("error registering process collector: %w", err)
	}
	err = reg.Register(
		collectors.NewGoCollector(),
	)
	if err != nil {
		return fmt.Errorf("error registering go collector: %w", err)
	}
	return nil
}

// writeQueueStats prints the queue kstat of every vdev of pool.
func writeQueueStats(w io.Writer, pool *spa.Pool) error {
	for _, v := range pool.Vdevs() {
		if _, err := fmt.Fprintf(w, "# %s vdev %d\n", pool.Name(), v.ID()); err != nil {
			return err
		}
		if err := v.Queue().WriteKStat(w, v.ID()); err != nil {
			return err
		}
	}
	return nil
}
