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
)

type trafficStat struct {
	messages int64
	bytes    int64
}

var (
	errorsRest   int64
	errorsSocket int64
	warnsRest    int64
	warnsSocket  int64
	restReads    int64
	streamReads  int64
	retries      int64
	traffic      sync.Map // map[string]*trafficStat
)

func recordWarn(component string) {
	if strings.Contains(component, "socket") {
		atomic.AddInt64(&warnsSocket, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&warnsRest, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "socket") {
		atomic.AddInt64(&errorsSocket, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&errorsRest, 1)
	}
}

// IncrementRestRead records one REST response of the given size.
func IncrementRestRead(size int) {
	atomic.AddInt64(&restReads, 1)
	recordTraffic("bitfinex_rest", size)
}

// IncrementStreamRead records one websocket frame of the given size.
func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordTraffic("bitfinex_ws", size)
}

// IncrementRetryCount records one reconnect attempt.
func IncrementRetryCount() {
	atomic.AddInt64(&retries, 1)
}

func recordTraffic(name string, size int) {
	v, _ := traffic.LoadOrStore(name, &trafficStat{})
	ts := v.(*trafficStat)
	atomic.AddInt64(&ts.messages, 1)
	atomic.AddInt64(&ts.bytes, int64(size))
}

// StartReport begins periodic logging of system and traffic statistics until
// the context is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	trafficData := map[string]map[string]int64{}
	traffic.Range(func(k, v any) bool {
		name := k.(string)
		ts := v.(*trafficStat)
		trafficData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&ts.messages),
			"bytes":    atomic.LoadInt64(&ts.bytes),
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

	memUsed := int64(0)
	if memStats != nil {
		memUsed = int64(memStats.Used) / 1024 / 1024
	}
	diskUsed := int64(0)
	if diskStats != nil {
		diskUsed = int64(diskStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_rest":    atomic.LoadInt64(&errorsRest),
		"errors_socket":  atomic.LoadInt64(&errorsSocket),
		"warns_rest":     atomic.LoadInt64(&warnsRest),
		"warns_socket":   atomic.LoadInt64(&warnsSocket),
		"rest_reads":     atomic.LoadInt64(&restReads),
		"stream_reads":   atomic.LoadInt64(&streamReads),
		"retries":        atomic.LoadInt64(&retries),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      memUsed,
		"disk_mb":        diskUsed,
		"traffic":        trafficData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
}
