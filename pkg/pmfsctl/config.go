// Package pmfsctl holds pmfsutil's shared configuration: the viper-backed
// config file (fsck scan concurrency and auto-repair), loaded with the
// elog.View each subcommand logs and reports progress through.
package pmfsctl

import (
	"fmt"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/pmfs-project/pmfs/pkg/elog"
)

// configFileName is the config file's base name; viper appends the
// extension (.yaml, .json, ...) itself when searching.
const configFileName = "pmfsutil"

const (
	configScanWorkers = "scan_workers"
	configFsckRepair  = "fsck_auto_repair"
)

// InitConfig reads cfgFile, or ~/pmfsutil.yaml if cfgFile is empty,
// falling back to built-in defaults when neither is found.
func InitConfig(cfgFile string, log elog.View) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := homedir.Dir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(configFileName)
	}

	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("using config file: %s", viper.ConfigFileUsed())
		return
	} else if cfgFile != "" {
		log.Debugf("%s", err.Error())
	}

	log.Debugf("using default pmfsutil configuration")
	viper.SetDefault(configScanWorkers, 4)
	viper.SetDefault(configFsckRepair, false)
}

// ScanWorkers returns the configured concurrency for fsck's inode-table
// scan.
func ScanWorkers() int {
	n := viper.GetInt(configScanWorkers)
	if n <= 0 {
		return 1
	}
	return n
}

// FsckAutoRepair reports whether fsck should clear corrupt inodes it finds
// rather than merely reporting them.
func FsckAutoRepair() bool {
	return viper.GetBool(configFsckRepair)
}

// RequireConfigValue is a small helper subcommands use to surface a
// missing/empty config key as an error rather than silently zero-valuing it.
func RequireConfigValue(key string) (string, error) {
	v := viper.GetString(key)
	if v == "" {
		return "", fmt.Errorf("no value configured for %q", key)
	}
	return v, nil
}
