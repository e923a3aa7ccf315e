// Copyright 2024-2026 Aiku AI

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// SaveSnapshot writes v as JSON to path. The file is replaced atomically:
// readers see either the old or the new contents.
func SaveSnapshot(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	tmpName = ""
	return nil
}

// LoadSnapshot reads JSON from path into v. A missing or empty file leaves v
// untouched and reports found=false with no error.
func LoadSnapshot(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return true, nil
}

// LoadCache restores cache from the snapshot at path. Any problem is logged
// and leaves the cache empty.
func LoadCache(path string, cache *CorrelationCache, log zerolog.Logger) {
	if path == "" {
		return
	}
	var snap CacheSnapshot
	found, err := LoadSnapshot(path, &snap)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable cache snapshot")
		return
	}
	if !found {
		log.Debug().Str("path", path).Msg("No cache snapshot, starting empty")
		return
	}
	cache.Restore(snap)
	log.Info().Str("path", path).Int("entries", cache.Len()).Msg("Loaded cache snapshot")
}

// LoadBans restores bans from the snapshot at path. Any problem is logged
// and leaves the list empty.
func LoadBans(path string, bans *BanList, log zerolog.Logger) {
	if path == "" {
		return
	}
	var snap BanSnapshot
	found, err := LoadSnapshot(path, &snap)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable ban list")
		return
	}
	if !found {
		log.Debug().Str("path", path).Msg("No ban list, starting empty")
		return
	}
	bans.Restore(snap)
	log.Info().Str("path", path).Int("bans", bans.Len()).Msg("Loaded ban list")
}

// SaveState writes both snapshots, logging failures. It is called once at
// shutdown and never blocks on in-flight fan-out.
func SaveState(cachePath, banPath string, cache *CorrelationCache, bans *BanList, log zerolog.Logger) {
	if cachePath != "" {
		if err := SaveSnapshot(cachePath, cache.Snapshot()); err != nil {
			log.Error().Err(err).Str("path", cachePath).Msg("Failed to save cache snapshot")
		} else {
			log.Info().Str("path", cachePath).Int("entries", cache.Len()).Msg("Saved cache snapshot")
		}
	}
	if banPath != "" {
		if err := SaveSnapshot(banPath, bans.Snapshot()); err != nil {
			log.Error().Err(err).Str("path", banPath).Msg("Failed to save ban list")
		} else {
			log.Info().Str("path", banPath).Int("bans", bans.Len()).Msg("Saved ban list")
		}
	}
}
