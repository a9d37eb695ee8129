package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jmerrifield20/idevicepower/internal/device"
	"github.com/jmerrifield20/idevicepower/internal/usbmux"
	"github.com/jmerrifield20/idevicepower/internal/wifi"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const toolName = "idevicewifi"

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

type connectorFactory func(socket string, logger *zap.Logger) wifi.Connector

func usbConnector(socket string, logger *zap.Logger) wifi.Connector {
	mux := usbmux.NewClient(socket, toolName, logger)
	return wifi.USBConnector(device.NewConnector(mux, logger))
}

type app struct {
	stdout  io.Writer
	stderr  io.Writer
	v       *viper.Viper
	connect connectorFactory

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

func (a *app) run(args []string) int {
	if args == nil {
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
	var se *wifi.StepError
	if !errors.As(err, &se) {
		fmt.Fprintf(a.stderr, "ERROR: %s\n", err)
	}
	return exitFailure
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   toolName + " [OPTIONS] [true|false]",
		Short: "Display or set the EnableWifiConnections value",
		Long: `Display the EnableWifiConnections value of a connected device, or set it
when true or false is given.`,
		Version:           version,
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 1 {
				return usagef("too many arguments")
			}
			return nil
		},
		PersistentPreRunE: a.loadConfig,
		RunE:              a.runWifi,
	}
	root.SetVersionTemplate(toolName + " {{.Version}}\n")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ~/.idevicewifi/config.yaml)")
	pf.StringP("udid", "u", "", "target specific device by UDID")
	pf.BoolP("network", "n", false, "connect to network device")
	pf.BoolP("debug", "d", false, "enable communication debugging")
	for _, key := range []string{"udid", "network", "debug"} {
		_ = a.v.BindPFlag(key, pf.Lookup(key))
	}
	return root
}

func (a *app) loadConfig(*cobra.Command, []string) error {
	v := a.v
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, "."+toolName))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("IDEVICEWIFI")
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

func (a *app) runWifi(cmd *cobra.Command, args []string) error {
	v := a.v
	target := device.Target{
		UDID:    v.GetString("udid"),
		Network: v.GetBool("network"),
	}
	if target.UDID == "" && cmd.Flags().Changed("udid") {
		return usagef("UDID must not be empty!")
	}
	var want *bool
	if len(args) == 1 {
		b, err := strconv.ParseBool(args[0])
		if err != nil {
			return usagef("invalid value '%s', expected true or false", args[0])
		}
		want = &b
	}
	socket := v.GetString("usbmuxd_socket")
	if socket == "" {
		socket = usbmux.SocketAddress()
	}

	logger := newLogger(a.stderr, v.GetBool("debug")).With(zap.String("run_id", uuid.NewString()))
	defer func() { _ = logger.Sync() }()

	_, err := wifi.New(a.connect(socket, logger), logger, a.stdout, a.stderr).Run(cmd.Context(), target, want)
	return err
}

func newLogger(w io.Writer, debug bool) *zap.Logger {
	if debug {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zap.DebugLevel), zap.AddCaller())
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), zap.WarnLevel))
}
