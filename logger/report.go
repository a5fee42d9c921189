package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type sessionStat struct {
	events int64
	orders int64
}

var (
	errorsStream      int64
	errorsSession     int64
	warnsStream       int64
	warnsSession      int64
	ordersPlaced      int64
	ordersFilled      int64
	counterOrders     int64
	dedupHits         int64
	reconnects        int64
	restorations      int64
	restorationsSkips int64
	sessions          sync.Map // map[string]*sessionStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "session") {
		atomic.AddInt64(&warnsSession, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "session") {
		atomic.AddInt64(&errorsSession, 1)
	}
}

func IncrementOrderPlaced(sessionID string) {
	atomic.AddInt64(&ordersPlaced, 1)
	recordSession(sessionID, 0, 1)
}

func IncrementOrderFilled(sessionID string) {
	atomic.AddInt64(&ordersFilled, 1)
	recordSession(sessionID, 1, 0)
}

func IncrementCounterOrder() {
	atomic.AddInt64(&counterOrders, 1)
}

func IncrementDedupHit() {
	atomic.AddInt64(&dedupHits, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementRestoration(skipped bool) {
	if skipped {
		atomic.AddInt64(&restorationsSkips, 1)
	} else {
		atomic.AddInt64(&restorations, 1)
	}
}

func RecordSessionEvent(sessionID string) {
	recordSession(sessionID, 1, 0)
}

func recordSession(sessionID string, events, orders int64) {
	v, _ := sessions.LoadOrStore(sessionID, &sessionStat{})
	ss := v.(*sessionStat)
	atomic.AddInt64(&ss.events, events)
	atomic.AddInt64(&ss.orders, orders)
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and engine statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	sessionData := map[string]map[string]int64{}
	sessions.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*sessionStat)
		sessionData[name] = map[string]int64{
			"events": atomic.LoadInt64(&ss.events),
			"orders": atomic.LoadInt64(&ss.orders),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_stream":      atomic.LoadInt64(&errorsStream),
		"errors_session":     atomic.LoadInt64(&errorsSession),
		"warns_stream":       atomic.LoadInt64(&warnsStream),
		"warns_session":      atomic.LoadInt64(&warnsSession),
		"orders_placed":      atomic.LoadInt64(&ordersPlaced),
		"orders_filled":      atomic.LoadInt64(&ordersFilled),
		"counter_orders":     atomic.LoadInt64(&counterOrders),
		"dedup_hits":         atomic.LoadInt64(&dedupHits),
		"reconnects":         atomic.LoadInt64(&reconnects),
		"restorations":       atomic.LoadInt64(&restorations),
		"restorations_skip":  atomic.LoadInt64(&restorationsSkips),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          int64(memStats.Used) / 1024 / 1024,
		"disk_mb":            int64(diskStats.Used) / 1024 / 1024,
		"sessions":           sessionData,
		"net_bytes_sent":     int64(bytesSent),
		"net_bytes_recv":     int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Grid-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsStream)))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsSession)))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-OrdersPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ordersPlaced)))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-OrdersFilled"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ordersFilled)))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-CounterOrders"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&counterOrders)))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-DedupHits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&dedupHits)))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-Restorations"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&restorations)))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Grid-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range sessionData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Grid-SessionEvents"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Session"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["events"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Grid-SessionOrders"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Session"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["orders"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
