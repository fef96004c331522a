package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "neoscratch"

// homeDir falls back to the temp directory when no home is set, as in
// service accounts and minimal containers.
func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	if DebugLog != nil {
		DebugLog("no home directory, using %s", os.TempDir())
	}
	return os.TempDir()
}

// windows: %APPDATA%\neoscratch
// macOS: ~/Library/Application Support/neoscratch
// linux: $XDG_CONFIG_HOME/neoscratch or ~/.config/neoscratch
func GetConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", appName)
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", appName)
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(homeDir(), ".config", appName)
	}
}

// windows: %LOCALAPPDATA%\neoscratch
// macOS: ~/Library/Caches/neoscratch
// linux: $XDG_CACHE_HOME/neoscratch or ~/.cache/neoscratch
func GetCacheDir() string {
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName)
		}
		return filepath.Join(homeDir(), "AppData", "Local", appName)
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Caches", appName)
	default:
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(homeDir(), ".cache", appName)
	}
}

func GetDefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), DefaultParamsFile)
}

// GetCorpusCacheDir holds corpora fetched from remote URLs.
func GetCorpusCacheDir() string {
	return filepath.Join(GetCacheDir(), "corpus")
}

// GetBridgeCacheDir holds the extracted python bridge script.
func GetBridgeCacheDir() string {
	return filepath.Join(GetCacheDir(), "bridge")
}
