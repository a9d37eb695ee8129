package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jmerrifield20/idevicepower/internal/assertion"
	"github.com/jmerrifield20/idevicepower/internal/device"
	"github.com/jmerrifield20/idevicepower/internal/metrics"
	"github.com/jmerrifield20/idevicepower/internal/usbmux"
	"github.com/jmerrifield20/idevicepower/pkg/power"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const toolName = "idevicepower"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks errors caused by bad invocation. They exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// connectorFactory builds the device connector for a usbmuxd address.
type connectorFactory func(socket string, logger *zap.Logger) assertion.Connector

func usbConnector(socket string, logger *zap.Logger) assertion.Connector {
	mux := usbmux.NewClient(socket, toolName, logger)
	return assertion.USBConnector(device.NewConnector(mux, logger))
}

type app struct {
	stdout  io.Writer
	stderr  io.Writer
	v       *viper.Viper
	connect connectorFactory
	sleeper assertion.Sleeper // nil uses time.Sleep

	cfgFile string
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:  stdout,
		stderr:  stderr,
		v:       viper.New(),
		connect: usbConnector,
	}
}

func main() {
	os.Exit(newApp(os.Stdout, os.Stderr).run(os.Args[1:]))
}

// run executes the command line and returns the process exit status.
func (a *app) run(args []string) int {
	if args == nil {
		// cobra falls back to os.Args for a nil slice
		args = []string{}
	}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(context.Background())
	if err == nil {
		return exitOK
	}
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(a.stderr, "ERROR: %s\n", ue.err)
		fmt.Fprint(a.stderr, root.UsageString())
		return exitUsage
	}
	var se *assertion.StageError
	if !errors.As(err, &se) {
		fmt.Fprintf(a.stderr, "ERROR: %s\n", err)
	}
	return exitFailure
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   toolName + " [OPTIONS] COMMAND",
		Short: "Create a power assertion on a connected device",
		Long: `Create a power assertion on a connected device and hold it.

Commands:
  sync    Wireless sync power assertion
  idle    Prevent idle sleep
  sleep   Prevent system sleep

The assertion is held for the requested timeout (less ten seconds when the
timeout is longer than ten seconds), then released.`,
		Version:           version,
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usagef("Unsupported command '%s'", args[0])
			}
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			return usagef("No command specified")
		},
		PersistentPreRunE: a.loadConfig,
	}
	root.SetVersionTemplate(toolName + " {{.Version}}\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ~/.idevicepower/config.yaml)")
	pf.StringP("udid", "u", "", "target specific device by UDID")
	pf.IntP("timeout", "t", 60, "timeout in seconds")
	pf.BoolP("network", "n", false, "connect to network device")
	pf.BoolP("debug", "d", false, "enable communication debugging")
	pf.String("metrics-file", "", "write Prometheus metrics to this textfile after the run")
	for key, flag := range map[string]string{
		"udid":         "udid",
		"timeout":      "timeout",
		"network":      "network",
		"debug":        "debug",
		"metrics_file": "metrics-file",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	for _, name := range assertion.Commands {
		typ, _ := assertion.TypeForCommand(name)
		root.AddCommand(a.assertionCmd(name, typ))
	}
	return root
}

var commandShort = map[string]string{
	"sync":  "Wireless sync power assertion",
	"idle":  "Prevent idle sleep",
	"sleep": "Prevent system sleep",
}

func (a *app) assertionCmd(name string, typ power.AssertionType) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: commandShort[name],
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usagef("unexpected argument '%s'", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runAssertion(cmd, typ)
		},
	}
}

// loadConfig reads the optional config file and environment. Flags set on
// the command line take precedence over both.
func (a *app) loadConfig(*cobra.Command, []string) error {
	v := a.v
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, "."+toolName))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("IDEVICEPOWER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("usbmuxd_socket", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return usagef("could not read config: %v", err)
		}
	}
	return nil
}

type settings struct {
	target      device.Target
	timeout     time.Duration
	debug       bool
	metricsFile string
	socket      string
}

func (a *app) resolveSettings(cmd *cobra.Command) (settings, error) {
	v := a.v
	s := settings{
		target: device.Target{
			UDID:    v.GetString("udid"),
			Network: v.GetBool("network"),
		},
		debug:       v.GetBool("debug"),
		metricsFile: v.GetString("metrics_file"),
		socket:      v.GetString("usbmuxd_socket"),
	}
	if s.target.UDID == "" && cmd.Flags().Changed("udid") {
		return s, usagef("UDID argument must not be empty!")
	}
	secs := v.GetInt("timeout")
	if secs <= 0 {
		return s, usagef("Invalid timeout value (must be greater than 0)!")
	}
	s.timeout = time.Duration(secs) * time.Second
	if s.socket == "" {
		s.socket = usbmux.SocketAddress()
	}
	return s, nil
}

func (a *app) runAssertion(cmd *cobra.Command, typ power.AssertionType) error {
	s, err := a.resolveSettings(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(a.stderr, s.debug).With(zap.String("run_id", uuid.NewString()))
	defer func() { _ = logger.Sync() }()

	rec := metrics.New()
	opts := []assertion.Option{
		assertion.WithRecorder(rec),
		assertion.WithOutput(a.stdout),
	}
	if a.sleeper != nil {
		opts = append(opts, assertion.WithSleeper(a.sleeper))
	}
	runner := assertion.New(a.connect(s.socket, logger), logger, opts...)

	_, err = runner.Run(cmd.Context(), assertion.Config{
		Target:  s.target,
		Type:    typ,
		Timeout: s.timeout,
	})
	if s.metricsFile != "" {
		if werr := rec.WriteTextfile(s.metricsFile); werr != nil {
			logger.Warn("writing metrics textfile failed",
				zap.String("path", s.metricsFile),
				zap.Error(werr),
			)
		}
	}
	return err
}

// newLogger writes JSON at warn level, or human-readable debug output when
// debug is set.
func newLogger(w io.Writer, debug bool) *zap.Logger {
	if debug {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zap.DebugLevel), zap.AddCaller())
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zap.WarnLevel))
}
