package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command-line options.
type AppOptions struct {
	ConfigFile string
	InputFile  string
	OutputDir  string
	Synthesize bool
	Seed       int64
	Dead       int
	Publish    bool
	Plot       bool
	Inspect    string
}

// Runner is implemented by App; tests substitute a mock.
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunCalibration() error
	RunSynthesize() error
	RunInspect(path string) error
}

func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("powdercal", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to configuration file (defaults apply when empty)")
	fs.StringVar(&opts.InputFile, "input", "", "Run input JSON to calibrate")
	fs.StringVar(&opts.OutputDir, "output-dir", "", "Directory for the calibration artifact and plots (overrides config)")
	fs.BoolVar(&opts.Synthesize, "synthesize", false, "Write a synthetic silicon run input and exit")
	fs.Int64Var(&opts.Seed, "seed", 1234, "Random seed for -synthesize")
	fs.IntVar(&opts.Dead, "dead", 2, "Dead detector ID for -synthesize (-1 for none)")
	fs.BoolVar(&opts.Publish, "publish", false, "Publish the result to MQTT")
	fs.BoolVar(&opts.Plot, "plot", false, "Write convergence and focused-spectrum plots")
	fs.StringVar(&opts.Inspect, "inspect", "", "Print a saved calibration artifact and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "powdercal version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.Inspect != "":
		return app.RunInspect(opts.Inspect)
	case opts.Synthesize:
		return app.RunSynthesize()
	case opts.InputFile != "":
		return app.RunCalibration()
	}

	fmt.Fprintln(out, "nothing to do: pass -input, -synthesize or -inspect (see -help)")
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("Error: %v", err)
	}
}
