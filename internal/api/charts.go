package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/brickwire/internal/control"
	"github.com/banshee-data/brickwire/internal/httputil"
)

// handleTelemetryChart renders recorded telemetry as an HTML line chart of
// angle, distance and obstacle range against the reading sequence. It takes
// the same session and limit parameters as /api/telemetry.
func (s *Server) handleTelemetryChart(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.history(w, r)
	if !ok {
		return
	}
	session := r.URL.Query().Get("session")
	readings, err := s.store.Telemetry(session, limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to read telemetry")
		return
	}

	var buf bytes.Buffer
	if err := renderTelemetryChart(&buf, session, readings); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderTelemetryChart(buf *bytes.Buffer, session string, readings []control.Reading) error {
	seqs := make([]string, 0, len(readings))
	var angle, distance, obstacle []opts.LineData
	skipped := 0
	for _, rd := range readings {
		if !rd.Motion {
			skipped++
			continue
		}
		seqs = append(seqs, strconv.FormatUint(rd.Seq, 10))
		angle = append(angle, opts.LineData{Value: rd.Angle})
		distance = append(distance, opts.LineData{Value: rd.Distance})
		obstacle = append(obstacle, opts.LineData{Value: rd.Obstacle})
	}

	if session == "" {
		session = "all sessions"
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Brick telemetry", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Brick telemetry",
			Subtitle: fmt.Sprintf("%s, %d readings, %d not in motion shape", session, len(seqs), skipped),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "seq"}),
	)
	line.SetXAxis(seqs).
		AddSeries("angle (deg)", angle).
		AddSeries("distance (cm)", distance).
		AddSeries("obstacle (cm)", obstacle)
	return line.Render(buf)
}
