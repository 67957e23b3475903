package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

// DefaultTotalFallback is reported as the total when no estimate exists.
const DefaultTotalFallback = 500

// LastPreloadLayout formats PollResponse.LastPreloadTime.
const LastPreloadLayout = "2006-01-02 15:04:05"

// PollResponse is the JSON served to status pollers.
type PollResponse struct {
	Status          string `json:"status"`
	Checked         int64  `json:"checked"`
	Total           int    `json:"total"`
	Errors          int64  `json:"errors"`
	LastURL         string `json:"last_url"`
	Time            string `json:"time"`
	LastPreloadTime string `json:"last_preload_time"`
	Percent         int    `json:"percent"`
	Message         string `json:"message,omitempty"`
}

// Poll renders a snapshot. Errors are reported as idle with the message so
// pollers stop; running time is measured against now.
func Poll(s RunState, now time.Time) PollResponse {
	resp := PollResponse{
		Checked: s.Checked,
		Total:   s.TotalEstimate,
		Errors:  s.Errors,
		LastURL: s.LastURL,
		Message: s.Message,
	}
	if resp.Total <= 0 {
		resp.Total = DefaultTotalFallback
	}
	if int64(resp.Total) < resp.Checked {
		resp.Total = int(resp.Checked)
	}
	if !s.LastFinishedAt.IsZero() {
		resp.LastPreloadTime = s.LastFinishedAt.Format(LastPreloadLayout)
	}

	switch s.Status {
	case crawler.StatusRunning:
		resp.Status = string(crawler.StatusRunning)
		resp.Time = FormatElapsed(now.Sub(s.StartedAt))
		resp.Percent = Percent(resp.Checked, resp.Total)
	case crawler.StatusDone:
		resp.Status = string(crawler.StatusDone)
		resp.Time = FormatElapsed(time.Duration(s.LastDurationSeconds * float64(time.Second)))
		resp.Percent = 100
	default:
		resp.Status = string(crawler.StatusIdle)
		resp.Percent = Percent(resp.Checked, resp.Total)
		if s.Status == crawler.StatusError && resp.Message == "" {
			resp.Message = "run failed"
		}
	}
	return resp
}

// Percent returns min(100, round(checked/total*100)), using the default
// fallback for a non-positive total.
func Percent(checked int64, total int) int {
	if total <= 0 {
		total = DefaultTotalFallback
	}
	if checked <= 0 {
		return 0
	}
	p := int(math.Round(float64(checked) / float64(total) * 100))
	return min(p, 100)
}

// FormatElapsed renders d as "5s", "1m 5s" or "2h 1m 5s".
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
