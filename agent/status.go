package agent

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rcoder/rcoder/wire"
)

// status samples host health for ping responses. Fields that cannot be
// read stay at their zero value; a probe must never fail a ping.
func (a *Agent) status() wire.Status {
	st := wire.Status{UptimeSeconds: int64(time.Since(a.started).Seconds())}
	if hostname, err := os.Hostname(); err == nil {
		st.Hostname = hostname
	}
	if uptime, ok := hostUptime(); ok {
		st.UptimeSeconds = uptime
	}
	st.Load1 = loadAverage()
	st.MemUsedPct = memoryUsedPct()
	st.DiskUsedPct = diskUsedPct("/")
	return st
}

func hostUptime() (int64, bool) {
	raw, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, false
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return int64(secs), true
}

func loadAverage() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, _ := strconv.ParseFloat(fields[0], 64)
	return load
}

func memoryUsedPct() float64 {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			available, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if total <= 0 {
		return 0
	}
	return (total - available) / total * 100
}

func diskUsedPct(path string) float64 {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0
	}
	total := float64(fs.Blocks) * float64(fs.Bsize)
	if total <= 0 {
		return 0
	}
	free := float64(fs.Bavail) * float64(fs.Bsize)
	return (total - free) / total * 100
}
