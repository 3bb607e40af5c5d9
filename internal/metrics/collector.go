package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// Collector aggregates panel round-trip outcomes so an operator can tune
// panel.timeout and panel.retries. It satisfies panel.Recorder.
type Collector struct {
	mu sync.Mutex

	// Latency of successful round trips
	latencies []time.Duration

	successByAttempt map[int]int
	totalSuccess     int

	errorCounts   map[string]int
	totalErrors   int
	timeoutErrors int
}

func New() *Collector {
	return &Collector{
		successByAttempt: make(map[int]int),
		errorCounts:      make(map[string]int),
	}
}

func (c *Collector) RecordSuccess(attempt int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latencies = append(c.latencies, duration)
	c.successByAttempt[attempt]++
	c.totalSuccess++
}

func (c *Collector) RecordFailure(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalErrors++
	kind := Classify(err)
	if kind == KindTimeout {
		c.timeoutErrors++
	}
	c.errorCounts[kind]++
}

const (
	KindTimeout   = "Timeout"
	KindRefused   = "Conn Refused"
	KindReset     = "Conn Reset"
	KindEOF       = "EOF / Empty"
	KindDNS       = "DNS Error"
	KindAuth      = "Session / Auth"
	KindServer    = "Panel 5xx"
	KindMalformed = "Malformed Reply"
	KindUnknown   = "Unknown"
)

// Classify buckets a round-trip error by its message.
func Classify(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "refused"):
		return KindRefused
	case strings.Contains(msg, "reset"):
		return KindReset
	case strings.Contains(msg, "EOF"):
		return KindEOF
	case strings.Contains(msg, "no such host"):
		return KindDNS
	case strings.Contains(msg, "session expired"), strings.Contains(msg, "login"):
		return KindAuth
	case strings.Contains(msg, "status 5"):
		return KindServer
	case strings.Contains(msg, "decode"), strings.Contains(msg, "unexpected"), strings.Contains(msg, "unparsable"):
		return KindMalformed
	}
	return KindUnknown
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Successes        int
	Failures         int
	Timeouts         int
	SuccessByAttempt map[int]int
	Errors           map[string]int
	P50, P90         time.Duration
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Successes:        c.totalSuccess,
		Failures:         c.totalErrors,
		Timeouts:         c.timeoutErrors,
		SuccessByAttempt: make(map[int]int, len(c.successByAttempt)),
		Errors:           make(map[string]int, len(c.errorCounts)),
	}
	for k, v := range c.successByAttempt {
		s.SuccessByAttempt[k] = v
	}
	for k, v := range c.errorCounts {
		s.Errors[k] = v
	}
	if len(c.latencies) > 0 {
		sorted := append([]time.Duration(nil), c.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.P50 = sorted[len(sorted)/2]
		s.P90 = sorted[int(float64(len(sorted))*0.9)]
	}
	return s
}

// RecommendRetries returns the smallest retry count that would still have
// caught 98% of the successful round trips.
func (s Snapshot) RecommendRetries(current int) int {
	if s.Successes == 0 {
		return current
	}
	accumulated := 0.0
	for i := 0; i <= current; i++ {
		accumulated += float64(s.SuccessByAttempt[i]) / float64(s.Successes)
		if accumulated > 0.98 {
			return i
		}
	}
	return current
}

func (c *Collector) PrintReport(out io.Writer, currentTimeout time.Duration, currentRetries int) {
	s := c.Snapshot()
	avg := c.average()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(out, "\n📊 \033[1mPANEL ROUND-TRIP REPORT\033[0m")
	fmt.Fprintln(out, "────────────────────────────────────────")

	if s.Successes > 0 {
		fmt.Fprintln(w, "\033[1;36m[ LATENCY ]\033[0m")
		fmt.Fprintf(w, "  Avg Duration:\t%v\n", avg)
		fmt.Fprintf(w, "  p50 (Median):\t%v\n", s.P50)
		fmt.Fprintf(w, "  p90 (Slowest 10%%):\t%v\n", s.P90)

		recTimeout := s.P90 + 2*time.Second
		fmt.Fprintf(w, "  💡 Recommendation:\tSet 'panel.timeout' to ~%s (Current: %s)\n", recTimeout.Round(time.Second), currentTimeout)
		fmt.Fprintln(w, "")
	}

	fmt.Fprintln(w, "\033[1;36m[ RETRY EFFICIENCY ]\033[0m")
	if s.Successes > 0 {
		fmt.Fprintf(w, "  Successful Calls:\t%d\n", s.Successes)
		for i := 0; i <= currentRetries; i++ {
			count := s.SuccessByAttempt[i]
			pct := float64(count) / float64(s.Successes) * 100
			fmt.Fprintf(w, "  Succeeded on Try %d:\t%d (%.1f%%)\n", i+1, count, pct)
		}
		fmt.Fprintf(w, "  💡 Recommendation:\tSet 'panel.retries' to %d (Current: %d)\n", s.RecommendRetries(currentRetries), currentRetries)
	} else {
		fmt.Fprintln(w, "  No successful calls to analyze.")
	}
	fmt.Fprintln(w, "")

	fmt.Fprintln(w, "\033[1;36m[ PANEL HEALTH / ERRORS ]\033[0m")
	fmt.Fprintf(w, "  Total Failures:\t%d\n", s.Failures)
	if s.Failures > 0 {
		timeoutPct := float64(s.Timeouts) / float64(s.Failures) * 100
		fmt.Fprintf(w, "  Timeouts:\t%d (%.1f%%)\n", s.Timeouts, timeoutPct)

		kinds := make([]string, 0, len(s.Errors))
		for k := range s.Errors {
			if k != KindTimeout {
				kinds = append(kinds, k)
			}
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "  %s:\t%d\n", k, s.Errors[k])
		}

		fmt.Fprintln(w, "  --------------------------------")
		if timeoutPct > 70 {
			fmt.Fprintln(w, "  ⚠️  \033[1;31mPANELS ARE SLOW TO ANSWER\033[0m")
			fmt.Fprintln(w, "  Most failures are timeouts. Raise 'panel.timeout' or check the proxy_url route.")
		} else {
			fmt.Fprintln(w, "  ✅ Failures are mostly active rejections.")
		}
	}

	w.Flush()
	fmt.Fprintln(out, "")
}

func (c *Collector) average() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range c.latencies {
		sum += v
	}
	return time.Duration(int64(sum) / int64(len(c.latencies)))
}
