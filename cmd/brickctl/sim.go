package main

import (
	"flag"
	"fmt"
	"image/color"
	"io"
	"os"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/brickwire/internal/sim"
	"github.com/banshee-data/brickwire/internal/timeutil"
)

func runSim(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	var lf linkFlags
	fs.StringVar(&lf.config, "config", "", "Path to a JSON config file")
	maxTicks := fs.Int("max-ticks", 1000, "Stop after this many ticks even if the command is still running")
	plotPath := fs.String("plot", "", "Also save angle and distance per tick to this image (.png, .svg or .pdf)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "sim: missing command, e.g. \"Move 0 10 30\"")
		return errUsage
	}
	cmd, err := sim.ParseCommand(strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	cfg, err := lf.loadConfig()
	if err != nil {
		return err
	}

	engine := sim.New(cfg.SimConfig(), timeutil.RealClock{})
	engine.Apply(cmd)
	tick := engine.Config().Tick
	fmt.Fprintf(stdout, "%s (tick %s)\n", cmd, tick)

	var trace []sim.State
	var runErr error
	for i := 1; ; i++ {
		if i > *maxTicks {
			runErr = fmt.Errorf("%s still running after %d ticks", cmd, *maxTicks)
			break
		}
		line := engine.Step()
		st := engine.State()
		trace = append(trace, st)
		fmt.Fprintf(stdout, "%5d %8s  %s\n", i, tick*time.Duration(i), line)
		if !st.Busy() && st.TaskReady {
			break
		}
	}

	if *plotPath != "" {
		if err := plotTrace(*plotPath, cmd.String(), tick, trace); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "plot saved to %s\n", *plotPath)
	}
	return runErr
}

// plotTrace draws the angle and distance of each tick; the format follows
// the file extension.
func plotTrace(path, title string, tick time.Duration, trace []sim.State) error {
	angle := make(plotter.XYs, len(trace))
	distance := make(plotter.XYs, len(trace))
	for i, st := range trace {
		at := (tick * time.Duration(i+1)).Seconds()
		angle[i] = plotter.XY{X: at, Y: st.Angle}
		distance[i] = plotter.XY{X: at, Y: st.Distance}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Angle (deg) / Distance (cm)"

	series := []struct {
		name string
		pts  plotter.XYs
		c    color.Color
	}{
		{"angle", angle, color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 255}},
		{"distance", distance, color.RGBA{R: 0x35, G: 0xb7, B: 0x79, A: 255}},
	}
	for _, s := range series {
		l, err := plotter.NewLine(s.pts)
		if err != nil {
			return err
		}
		l.Color = s.c
		l.Width = vg.Points(1.5)
		p.Add(l)
		p.Legend.Add(s.name, l)
	}
	p.Legend.Top = true
	p.Legend.Left = true

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot: %w", err)
	}
	return nil
}
