// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2024 The Lightning Network Developers

package relaydir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/relaydir/build"
	"github.com/lightningnetwork/relaydir/dircfg"
	"github.com/lightningnetwork/relaydir/dirsource"
)

const (
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "relaydir.log"

	defaultTLSCertFilename = "tls.cert"
	defaultTLSKeyFilename  = "tls.key"
)

var (
	// DefaultRelayDirDir is the default directory where relaydir tries to
	// find its configuration file and store its logs.
	DefaultRelayDirDir = defaultAppDataDir()

	// DefaultConfigFile is the default full path of relaydir's
	// configuration file.
	DefaultConfigFile = filepath.Join(
		DefaultRelayDirDir, dircfg.DefaultConfigFilename,
	)

	defaultLogDir = filepath.Join(DefaultRelayDirDir, defaultLogDirname)

	defaultTLSCertPath = filepath.Join(
		DefaultRelayDirDir, defaultTLSCertFilename,
	)
	defaultTLSKeyPath = filepath.Join(
		DefaultRelayDirDir, defaultTLSKeyFilename,
	)
)

// defaultAppDataDir returns ~/.relaydir, or a relative directory if the home
// directory cannot be determined.
func defaultAppDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".relaydir"
	}

	return filepath.Join(home, ".relaydir")
}

// Config defines the configuration options for relaydir.
//
// See LoadConfig for further details regarding the configuration
// loading+parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	RelayDirDir string `long:"relaydir" description:"The base directory that contains relaydir's logs, configuration file, etc."`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`

	Tor *dircfg.Tor `group:"Tor" namespace:"tor"`

	Sources *dircfg.Sources `group:"sources" namespace:"sources"`

	Filter *dircfg.Filter `group:"filter" namespace:"filter"`

	HTTP *dircfg.HTTP `group:"http" namespace:"http"`

	Prometheus dircfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	Registry *dircfg.Registry `group:"registry" namespace:"registry"`

	HealthChecks *dircfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	torCfg := dircfg.DefaultTor()
	sources := dircfg.DefaultSources()
	filter := dircfg.DefaultFilter()
	httpCfg := dircfg.DefaultHTTP()
	httpCfg.TLSCertPath = defaultTLSCertPath
	httpCfg.TLSKeyPath = defaultTLSKeyPath
	registryCfg := dircfg.DefaultRegistry()
	healthChecks := dircfg.DefaultHealthCheck()

	return Config{
		RelayDirDir:  DefaultRelayDirDir,
		ConfigFile:   DefaultConfigFile,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		LogConfig:    build.DefaultLogConfig(),
		Tor:          &torCfg,
		Sources:      &sources,
		Filter:       &filter,
		HTTP:         &httpCfg,
		Prometheus:   dircfg.DefaultPrometheus(),
		Registry:     &registryCfg,
		HealthChecks: &healthChecks,
		LogWriter:    build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(shutdown func()) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their relaydir, then we should assume they intend to use
	// the config file within it.
	configFileDir := dircfg.CleanAndExpandPath(preCfg.RelayDirDir)
	configFilePath := dircfg.CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultRelayDirDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, dircfg.DefaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	fileParser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(fileParser).ParseFile(configFilePath)
	if err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	flagParser := flags.NewParser(&cfg, flags.Default)
	if _, err := flagParser.Parse(); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage, shutdown)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration
	// is done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		rdirLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string,
	shutdown func()) (*Config, error) {

	// If the provided relaydir directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	relayDirDir := dircfg.CleanAndExpandPath(cfg.RelayDirDir)
	if relayDirDir != DefaultRelayDirDir {
		cfg.LogDir = filepath.Join(relayDirDir, defaultLogDirname)

		if cfg.HTTP.TLSCertPath == defaultTLSCertPath {
			cfg.HTTP.TLSCertPath = filepath.Join(
				relayDirDir, defaultTLSCertFilename,
			)
		}
		if cfg.HTTP.TLSKeyPath == defaultTLSKeyPath {
			cfg.HTTP.TLSKeyPath = filepath.Join(
				relayDirDir, defaultTLSKeyFilename,
			)
		}
	}

	funcName := "ValidateConfig"
	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf(funcName+": "+format, args...)
	}
	makeDirectory := func(dir string) error {
		err := os.MkdirAll(dir, 0700)
		if err != nil {
			// Show a nicer error message if it's because a symlink
			// is linked to a directory that does not exist
			// (probably because it's not mounted).
			var pathErr *os.PathError
			if errors.As(err, &pathErr) && os.IsExist(err) {
				link, lerr := os.Readlink(pathErr.Path)
				if lerr == nil {
					str := "is symlink %s -> %s mounted?"
					err = fmt.Errorf(str, pathErr.Path, link)
				}
			}

			str := "Failed to create relaydir directory '%s': %v"
			return mkErr(str, dir, err)
		}

		return nil
	}

	// As soon as we're done parsing configuration options, ensure all
	// paths to directories and files are cleaned and expanded before
	// attempting to use them later on.
	cfg.LogDir = dircfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Tor.CookiePath = dircfg.CleanAndExpandPath(cfg.Tor.CookiePath)
	cfg.HTTP.TLSCertPath = dircfg.CleanAndExpandPath(cfg.HTTP.TLSCertPath)
	cfg.HTTP.TLSKeyPath = dircfg.CleanAndExpandPath(cfg.HTTP.TLSKeyPath)
	for i, path := range cfg.Sources.CachePaths {
		cfg.Sources.CachePaths[i] = dircfg.CleanAndExpandPath(path)
	}

	// Create the relaydir directory and the log directory if they don't
	// already exist.
	for _, dir := range []string{relayDirDir, cfg.LogDir} {
		if err := makeDirectory(dir); err != nil {
			return nil, err
		}
	}

	// Validate every option group, in the order they are listed in the
	// help output.
	validators := []interface{ Validate() error }{
		cfg.LogConfig, cfg.Tor, cfg.Sources, cfg.Filter, cfg.HTTP,
		&cfg.Prometheus, cfg.Registry, cfg.HealthChecks,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return nil, mkErr("%v", err)
		}
	}

	// The control port source and its health check need a control
	// address.
	if cfg.Sources.Enabled(dirsource.SourceControl) &&
		cfg.Tor.Control == "" {

		return nil, mkErr("tor.control must be set when the control " +
			"source is enabled")
	}
	if cfg.HealthChecks.TorConnection.Enabled() && cfg.Tor.Control == "" {
		return nil, mkErr("tor.control must be set when the tor " +
			"connection health check is enabled")
	}

	// A log writer must be passed in, otherwise we can't function and
	// would run into a panic later on.
	if cfg.LogWriter == nil {
		return nil, mkErr("log writer missing in config")
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		SetupLoggers(cfg.LogWriter, shutdown)
		fmt.Println("Supported subsystems",
			cfg.LogWriter.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.LogWriter, shutdown)
	err := cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename), cfg.LogConfig,
	)
	if err != nil {
		str := "log rotation setup failed: %v"
		err = mkErr(str, err)
		_, _ = fmt.Fprintln(os.Stderr, err)
		return nil, err
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogWriter)
	if err != nil {
		err = mkErr("%v", err)
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)
		return nil, err
	}

	return &cfg, nil
}
