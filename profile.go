package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"voxnote/usage"

	"github.com/google/uuid"
)

// profileFile is the on-disk shape of the local account profile
type profileFile struct {
	ID        string     `json:"id"`
	Plan      usage.Plan `json:"plan"`
	CreatedAt time.Time  `json:"created_at"`
}

// profilePath returns the profile location, honoring VOXNOTE_DATA_DIR
func profilePath() (string, error) {
	if dir := os.Getenv("VOXNOTE_DATA_DIR"); dir != "" {
		return filepath.Join(dir, "profile.json"), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "voxnote", "profile.json"), nil
}

// loadOrCreateProfile reads the stored profile, creating a fresh trial
// profile on first run. The creation timestamp starts the trial clock.
func loadOrCreateProfile(path string) (usage.Profile, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var pf profileFile
		if err := json.Unmarshal(data, &pf); err != nil {
			return usage.Profile{}, fmt.Errorf("failed to parse profile: %w", err)
		}
		return usage.Profile{ID: pf.ID, Plan: pf.Plan, CreatedAt: pf.CreatedAt}, nil
	}
	if !os.IsNotExist(err) {
		return usage.Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}

	prof := usage.Profile{
		ID:        uuid.NewString(),
		Plan:      usage.PlanTrial,
		CreatedAt: time.Now().UTC(),
	}
	if err := saveProfile(path, prof); err != nil {
		return usage.Profile{}, err
	}
	return prof, nil
}

// saveProfile writes the profile atomically
func saveProfile(path string, prof usage.Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(profileFile{
		ID:        prof.ID,
		Plan:      prof.Plan,
		CreatedAt: prof.CreatedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace profile: %w", err)
	}
	return nil
}
