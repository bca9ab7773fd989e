package livehttp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ambush/internal/controller"
	"ambush/internal/logger"
	"ambush/internal/store/gormstore"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	sampleRingSize = 360

	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorOnline        = "#34d399"
	colorOffline       = "#f87171"
	colorLatency       = "#3b82f6"

	chartWidth = "1500px"
)

type statusSample struct {
	At        time.Time
	Online    bool
	LatencyMs int64
}

// sampleRing keeps the newest poll snapshots for the latency chart.
type sampleRing struct {
	mu   sync.Mutex
	max  int
	data []statusSample
}

func newSampleRing(max int) *sampleRing {
	if max <= 0 {
		max = sampleRingSize
	}
	return &sampleRing{max: max}
}

func (r *sampleRing) add(s statusSample) {
	r.mu.Lock()
	r.data = append(r.data, s)
	if len(r.data) > r.max {
		r.data = r.data[1:]
	}
	r.mu.Unlock()
}

func (r *sampleRing) list() []statusSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]statusSample(nil), r.data...)
}

func registerDashboard(router *gin.Engine, ctl LiveController, history *gormstore.Store, samples *sampleRing) {
	router.GET("/dashboard", func(c *gin.Context) {
		var trans []gormstore.TransitionRecord
		if history != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), storeCallTimeout)
			recs, err := history.ListTransitions(ctx, "", 200)
			cancel()
			if err != nil {
				logger.Warnf("[api] dashboard transitions load failed: %v", err)
			} else {
				trans = recs
			}
		}
		page := buildDashboard(ctl.Status(), samples.list(), trans)
		c.Status(http.StatusOK)
		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := page.Render(c.Writer); err != nil {
			logger.Errorf("[api] dashboard render failed: %v", err)
		}
	})
}

func buildDashboard(st controller.Status, samples []statusSample, trans []gormstore.TransitionRecord) *components.Page {
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(buildLatencyChart(st, samples), buildTransitionChart(trans))
	return page
}

func buildLatencyChart(st controller.Status, samples []statusSample) *charts.Line {
	subtitle := fmt.Sprintf("network %s | online=%v | %d samples",
		st.Monitor.Network, st.Monitor.Online, len(samples))
	if st.Armed {
		subtitle = fmt.Sprintf("profile %s | %s", st.Profile, subtitle)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           chartWidth,
			Height:          "420px",
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         "Probe latency",
			Subtitle:      subtitle,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)

	x := make([]string, len(samples))
	y := make([]opts.LineData, len(samples))
	for i, s := range samples {
		x[i] = s.At.Format("15:04:05")
		if s.Online {
			y[i] = opts.LineData{Value: s.LatencyMs}
		} else {
			// offline polls render as gaps
			y[i] = opts.LineData{Value: nil}
		}
	}
	line.SetXAxis(x)
	line.AddSeries("latency_ms", y, charts.WithLineStyleOpts(opts.LineStyle{Color: colorLatency, Width: 2}))
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	return line
}

// buildTransitionChart plots every recorded edge, oldest to newest: online
// edges at their observed latency, offline edges pinned to zero.
func buildTransitionChart(trans []gormstore.TransitionRecord) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           chartWidth,
			Height:          "320px",
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:      "Transitions",
			Left:       "left",
			Top:        "10",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)

	labels := make([]string, len(trans))
	online := make([]opts.ScatterData, len(trans))
	offline := make([]opts.ScatterData, len(trans))
	for i := range trans {
		// ListTransitions returns newest first
		rec := trans[len(trans)-1-i]
		labels[i] = rec.At.Format("01-02 15:04:05")
		if rec.Online {
			online[i] = opts.ScatterData{Value: rec.LatencyMs, Symbol: "circle", SymbolSize: 12}
			offline[i] = opts.ScatterData{Value: nil}
		} else {
			online[i] = opts.ScatterData{Value: nil}
			offline[i] = opts.ScatterData{Value: 0, Symbol: "triangle", SymbolSize: 12}
		}
	}
	scatter.SetXAxis(labels)
	scatter.AddSeries("online", online, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorOnline}))
	scatter.AddSeries("offline", offline, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorOffline}))
	return scatter
}
