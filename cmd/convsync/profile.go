package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"convsync/internal/config"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/oauth2"
)

// Profile is the per-device state kept in ~/.convsync/profile.toml.
type Profile struct {
	Identity ProfileIdentity `toml:"identity"`
	Remote   ProfileRemote   `toml:"remote"`
	Drive    ProfileDrive    `toml:"drive"`
	Cache    ProfileCache    `toml:"cache"`
}

type ProfileIdentity struct {
	UserID   string `toml:"user_id"`
	DeviceID string `toml:"device_id"`
}

type ProfileRemote struct {
	Backend      string `toml:"backend"`
	BaseURL      string `toml:"base_url"`
	AppFolder    string `toml:"app_folder"`
	Token        string `toml:"token"`
	TokenExpires string `toml:"token_expires"`
}

// ProfileDrive holds the OAuth token granted for Google Drive.
type ProfileDrive struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	TokenType    string `toml:"token_type"`
	Expiry       string `toml:"expiry"`
}

type ProfileCache struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// homeDir returns the directory holding the profile and the on-disk cache.
// CONVSYNC_HOME overrides ~/.convsync.
func homeDir() (string, error) {
	dir := os.Getenv("CONVSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".convsync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create %s: %w", dir, err)
	}
	return dir, nil
}

func profilePath() (string, error) {
	dir, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "profile.toml"), nil
}

// loadProfile returns a zero Profile when none has been written yet.
func loadProfile() (*Profile, error) {
	path, err := profilePath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Profile{}, nil
		}
		return nil, fmt.Errorf("cannot read profile: %w", err)
	}
	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cannot parse profile: %w", err)
	}
	return &p, nil
}

func saveProfile(p *Profile) error {
	path, err := profilePath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("cannot marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write profile: %w", err)
	}
	return nil
}

// setProfileValue sets a field using dot notation (e.g. "remote.base_url").
func setProfileValue(p *Profile, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. remote.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "identity":
		switch field {
		case "user_id":
			p.Identity.UserID = value
		case "device_id":
			p.Identity.DeviceID = value
		default:
			return fmt.Errorf("unknown field %q in section [identity]", field)
		}
	case "remote":
		switch field {
		case "backend":
			p.Remote.Backend = strings.ToLower(value)
		case "base_url":
			p.Remote.BaseURL = value
		case "app_folder":
			p.Remote.AppFolder = value
		case "token":
			p.Remote.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [remote]", field)
		}
	case "cache":
		switch field {
		case "driver":
			p.Cache.Driver = strings.ToLower(value)
		case "dsn":
			p.Cache.DSN = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	default:
		return fmt.Errorf("unknown profile section %q (valid: identity, remote, cache)", section)
	}
	return nil
}

// apply lays the profile over the environment configuration. Empty profile
// fields leave the environment value in place.
func (p *Profile) apply(cfg *config.Config) error {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Remote.Backend, p.Remote.Backend)
	override(&cfg.Remote.BaseURL, p.Remote.BaseURL)
	override(&cfg.Remote.AppFolder, p.Remote.AppFolder)
	override(&cfg.Remote.DeviceID, p.Identity.DeviceID)
	override(&cfg.Cache.Driver, p.Cache.Driver)
	override(&cfg.Cache.DSN, p.Cache.DSN)
	return cfg.Validate()
}

// driveToken rebuilds the stored OAuth token.
func (p *Profile) driveToken() (*oauth2.Token, error) {
	if p.Drive.AccessToken == "" && p.Drive.RefreshToken == "" {
		return nil, fmt.Errorf("not signed in to Google Drive, run 'convsync login --drive'")
	}
	tok := &oauth2.Token{
		AccessToken:  p.Drive.AccessToken,
		RefreshToken: p.Drive.RefreshToken,
		TokenType:    p.Drive.TokenType,
	}
	if p.Drive.Expiry != "" {
		expiry, err := time.Parse(time.RFC3339, p.Drive.Expiry)
		if err != nil {
			return nil, fmt.Errorf("invalid drive token expiry: %w", err)
		}
		tok.Expiry = expiry
	}
	return tok, nil
}

func (p *Profile) setDriveToken(tok *oauth2.Token) {
	p.Drive = ProfileDrive{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		p.Drive.Expiry = tok.Expiry.UTC().Format(time.RFC3339)
	}
}

// apiToken returns the hosted API token unless it has expired.
func (p *Profile) apiToken() (string, error) {
	if p.Remote.Token == "" {
		return "", fmt.Errorf("no API token, run 'convsync login --token <jwt>'")
	}
	if p.Remote.TokenExpires != "" {
		expires, err := time.Parse(time.RFC3339, p.Remote.TokenExpires)
		if err == nil && time.Now().After(expires) {
			return "", fmt.Errorf("API token expired at %s", p.Remote.TokenExpires)
		}
	}
	return p.Remote.Token, nil
}
