package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
[undo]
blcksz        = 16384
undo_dir      = data/undo
log_count     = 8
log_size      = 1099511627776
sync_mode     = fsync
flush_interval = 200ms
*/
type UndoEngineConfig struct {
	Raw *ini.File

	BLCKSZ        int
	UndoDir       string
	LogCount      int
	LogSize       int64
	SyncMode      string
	FlushInterval time.Duration
}

func NewUndoEngineConfig() *UndoEngineConfig {
	return &UndoEngineConfig{
		Raw:           ini.Empty(),
		BLCKSZ:        16384,
		UndoDir:       "data/undo",
		LogCount:      8,
		LogSize:       1 << 40,
		SyncMode:      "fsync",
		FlushInterval: 200 * time.Millisecond,
	}
}

// Load parses an ini file the way server/conf parses my.ini: missing keys
// fall back to the defaults already set on cfg rather than aborting.
func (cfg *UndoEngineConfig) Load(args *CommandLineArgs) (*UndoEngineConfig, error) {
	setHomePath(args)

	parsed, err := cfg.loadConfiguration(args)
	if err != nil {
		return nil, err
	}
	cfg.Raw = parsed

	section := cfg.Raw.Section("undo")

	blcksz, err := valueAsString(section, "blcksz", fmt.Sprintf("%d", cfg.BLCKSZ))
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Sscanf(blcksz, "%d", &cfg.BLCKSZ); err != nil {
		return nil, fmt.Errorf("parsing blcksz %q: %w", blcksz, err)
	}

	undoDir, err := valueAsString(section, "undo_dir", cfg.UndoDir)
	if err != nil {
		return nil, err
	}
	cfg.UndoDir = undoDir

	logCount, err := valueAsString(section, "log_count", fmt.Sprintf("%d", cfg.LogCount))
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Sscanf(logCount, "%d", &cfg.LogCount); err != nil {
		return nil, fmt.Errorf("parsing log_count %q: %w", logCount, err)
	}

	logSize, err := valueAsString(section, "log_size", fmt.Sprintf("%d", cfg.LogSize))
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Sscanf(logSize, "%d", &cfg.LogSize); err != nil {
		return nil, fmt.Errorf("parsing log_size %q: %w", logSize, err)
	}

	syncMode, err := valueAsString(section, "sync_mode", cfg.SyncMode)
	if err != nil {
		return nil, err
	}
	cfg.SyncMode = syncMode

	flushInterval, err := valueAsString(section, "flush_interval", cfg.FlushInterval.String())
	if err != nil {
		return nil, err
	}
	cfg.FlushInterval, err = time.ParseDuration(flushInterval)
	if err != nil {
		return nil, fmt.Errorf("time.ParseDuration(flush_interval=%q): %w", flushInterval, err)
	}

	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *UndoEngineConfig) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	if args.ConfigPath == "" {
		return cfg.Raw, nil
	}
	if _, err := os.Stat(args.ConfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("undo engine config %q does not exist", args.ConfigPath)
	}
	parsed, err := ini.Load(args.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", args.ConfigPath, err)
	}
	return parsed, nil
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) (value string, err error) {
	defer func() {
		if err_ := recover(); err_ != nil {
			err = errors.New("invalid value for key '" + keyName + "' in configuration file")
		}
	}()
	return section.Key(keyName).MustString(defaultValue), nil
}
