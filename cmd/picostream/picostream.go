package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/usnistgov/picostream"
	"github.com/usnistgov/picostream/internal/catalog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

var (
	cfgFile      string
	printVersion bool
	cpuprofile   string
	memprofile   string
)

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}

	// Create an empty file dir/filename, if it doesn't exist.
	fullname := filepath.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper tells viper where to find the config file and reads it. An
// explicit --config file is used as given; otherwise ~/.picostream/config.yaml
// is created if needed.
func setupViper(v *viper.Viper, explicit string) error {
	picostream.SetDefaults(v)
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		return nil
	}

	const filename string = "config"
	const suffix string = ".yaml"
	fullname, err := makeFileExist("$HOME/.picostream", filename+suffix)
	if err != nil {
		return err
	}
	dotPico := filepath.Dir(fullname)

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.FromSlash("/etc/picostream"))
	v.AddConfigPath(dotPico)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// startLogger returns a logger writing to a rotated log file and to extra.
func startLogger(pfname string, extra io.Writer, level slog.Level) *slog.Logger {
	rotated := &lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}
	var w io.Writer = rotated
	if extra != nil {
		w = io.MultiWriter(rotated, extra)
	}
	return picostream.NewLogger(w, level)
}

// startLogging points the package loggers at ~/.picostream/logs.
func startLogging(verbose bool) error {
	const logdir = "$HOME/.picostream/logs"
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		return err
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	picostream.ProblemLogger = startLogger(problemname, os.Stderr, level)
	picostream.UpdateLogger = startLogger(logname, os.Stdout, level)
	fmt.Printf("Logging problems to %s\n", problemname)
	fmt.Printf("Logging updates  to %s\n\n", logname)
	return nil
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "picostream",
		Short: "Stream samples from a 4-channel oscilloscope to disk",
		Long: `picostream acquires samples continuously from an oscilloscope and writes
them in batches, one file per channel per batch, under a new data<MMDD_HHMMSS>
directory. Stop it with Ctrl-C or set a duration.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printVersion {
				showVersion(cmd.OutOrStdout())
				return nil
			}
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.picostream/config.yaml)")
	flags.BoolVar(&printVersion, "version", false, "print version and quit")
	flags.StringVar(&cpuprofile, "cpuprofile", "", "write CPU profile to given file")
	flags.StringVar(&memprofile, "memprofile", "", "write memory profile to given file")
	flags.StringSliceP("channels", "c", nil, "channels to record, e.g. A,C")
	flags.StringToString("ranges", nil, "voltage range per channel, e.g. A=500mV,B=2V")
	flags.Uint32P("interval", "i", 0, "requested sample interval in nanoseconds")
	flags.IntP("resolution", "r", 0, "ADC resolution in bits (8 or 12)")
	flags.DurationP("duration", "d", 0, "stop after this long (0 means run until interrupted)")
	flags.Int("buffer-capacity", 0, "per-channel buffer capacity in samples")
	flags.Int("queue-capacity", 0, "number of batches the transfer queue holds")
	flags.StringP("output", "o", "", "base directory for run directories")
	flags.String("format", "", "batch file format (npy or bin)")
	flags.Bool("flush-on-stop", false, "save the final short batch when the duration elapses")
	flags.String("device", "", "device driver: "+strings.Join(picostream.DeviceNames(), ", "))
	flags.Int("status-port", 0, "publish status on this ZMQ port (0 disables)")
	flags.Bool("catalog", false, "record the run in the ClickHouse catalog")
	flags.BoolP("verbose", "v", false, "log debug messages and dump the configuration")

	bindings := map[string]string{
		"channels":           "channels",
		"ranges":             "ranges",
		"sample_interval_ns": "interval",
		"resolution":         "resolution",
		"duration":           "duration",
		"buffer_capacity":    "buffer-capacity",
		"queue_capacity":     "queue-capacity",
		"output_dir":         "output",
		"format":             "format",
		"flush_on_stop":      "flush-on-stop",
		"device":             "device",
		"status_port":        "status-port",
		"catalog.enabled":    "catalog",
		"verbose":            "verbose",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func showVersion(w io.Writer) {
	fmt.Fprintf(w, "This is picostream version %s\n", picostream.Build.Version)
	fmt.Fprintf(w, "Git commit hash: %s\n", githash)
	fmt.Fprintf(w, "Build time: %s\n", buildDate)
	fmt.Fprintf(w, "Built on go version %s\n", runtime.Version())
	fmt.Fprintf(w, "Running on %d CPUs.\n", runtime.NumCPU())
}

func run(v *viper.Viper) error {
	if err := setupViper(v, cfgFile); err != nil {
		return err
	}
	config, err := picostream.LoadConfig(v)
	if err != nil {
		return err
	}
	if err := startLogging(config.Verbose); err != nil {
		return err
	}
	banner := fmt.Sprintf("This is picostream version %s (git commit %s)", picostream.Build.Version, githash)
	fmt.Println(banner)
	picostream.UpdateLogger.Info(banner)
	if config.Verbose {
		picostream.UpdateLogger.Debug("Configuration\n" + spew.Sdump(config))
	}

	settings, err := config.Validate()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}
	defer writeMemoryProfile(memprofile)

	dev, err := picostream.NewDevice(config.Device)
	if err != nil {
		return err
	}
	cancel := picostream.NewCanceller()
	stopSignals := cancel.NotifyOnSignal(os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	acq := picostream.NewAcquisition(settings, dev, cancel)
	if settings.StatusPort > 0 {
		publisher, err := picostream.StartStatusPublisher(settings.StatusPort)
		if err != nil {
			picostream.ProblemLogger.Warn("Status publishing disabled", "error", err)
		} else {
			defer publisher.Close()
			acq.Status = publisher
		}
	}
	if settings.Catalog.Enabled {
		db, err := catalog.Connect(catalog.Options{
			Addr:        settings.Catalog.Addr,
			Database:    settings.Catalog.Database,
			DialTimeout: settings.Catalog.DialTimeout,
			Version:     picostream.Build.Version,
			Logger:      picostream.ProblemLogger,
		})
		if err != nil {
			picostream.ProblemLogger.Warn("Run catalog disabled", "error", err)
		} else {
			defer db.Close()
			acq.Catalog = db
		}
	}

	fmt.Println("Press Ctrl-C to stop data collection.")
	summary, err := acq.Run()
	if summary != nil {
		fmt.Printf("Files saved to %s\n", summary.Directory)
		fmt.Printf("Batches written: %d, files: %d, write failures: %d, lost samples: %d\n",
			summary.BatchesWritten, summary.FilesWritten, summary.WriteFailures, summary.LostSamples)
		if config.Verbose {
			if sim, ok := dev.(*picostream.SimulatedDevice); ok {
				picostream.UpdateLogger.Debug("Device state\n" + sim.Inspect())
			}
		}
	}
	return err
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` is an empty string, do not write.
func writeMemoryProfile(memprofile string) {
	if memprofile == "" {
		return
	}

	f, err := os.Create(memprofile)
	if err != nil {
		log.Print("could not create memory profile: ", err)
		return
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Print("could not write memory profile: ", err)
	}
}

func main() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ") // workaround for Make problems
	picostream.Build.Date = buildDate
	picostream.Build.Githash = githash
	picostream.Build.Gitdate = gitdate
	picostream.Build.Summary = fmt.Sprintf("picostream version %s (git commit %s of %s)",
		picostream.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		picostream.Build.Host = host
	} else {
		picostream.Build.Host = "host not detected"
	}

	if err := newRootCommand(viper.GetViper()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
