package main

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

type locationEnum string

// Use strings as keys to make printout and serialization of the
// locations map more meaningful.
const (
	locConfigFile    locationEnum = "config"
	locControllerDB               = "controllerPersist"
	locPathPairs                  = "pathPairs"
	locNetworkMounts              = "networkMounts"
	locScanScript                 = "scanScript"
	locLogFile                    = "logFile"
)

// Platform dependent directories
var baseDirs = map[string]string{
	"config": defaultConfigDir(), // Overridden by -home flag
}

var locations = map[locationEnum]string{
	locConfigFile:    "${config}/rapidcopy.json",
	locControllerDB:  "${config}/controller.persist",
	locPathPairs:     "${config}/path_pairs.json",
	locNetworkMounts: "${config}/network_mounts.json",
	locScanScript:    "${config}/scanfs",
	locLogFile:       "${config}/rapidcopy.log",
}

// expandLocations replaces the variables in the location map with
// actual directory locations.
func expandLocations() error {
	for key, dir := range locations {
		for varName, value := range baseDirs {
			dir = strings.ReplaceAll(dir, "${"+varName+"}", value)
		}
		var err error
		dir, err = filepath.Abs(dir)
		if err != nil {
			return err
		}
		locations[key] = dir
	}
	return nil
}

// defaultConfigDir returns the default configuration directory, as
// appropriate for the operating system.
func defaultConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		dir, _ := os.UserHomeDir()
		return filepath.Join(dir, "Library/Application Support/RapidCopy")
	default:
		if xdgCfg := os.Getenv("XDG_CONFIG_HOME"); xdgCfg != "" {
			return filepath.Join(xdgCfg, "rapidcopy")
		}
		dir, _ := os.UserHomeDir()
		return filepath.Join(dir, ".config/rapidcopy")
	}
}
