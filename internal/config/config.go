package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	toml "github.com/pelletier/go-toml/v2"
)

const minSecretLength = 16

type Config struct {
	Backend struct {
		// "http" talks to the real backend, "local" mints tokens on-device
		Mode           string `toml:"mode"`
		BaseURL        string `toml:"base_url"`
		TimeoutSeconds int    `toml:"timeout_seconds"`

		Local struct {
			Secret         string `toml:"secret"`
			Role           string `toml:"role"`
			OrganizationID string `toml:"organization_id"`
			// Seconds
			TokenLifetime int `toml:"token_lifetime"`
		} `toml:"local"`
	} `toml:"backend"`

	Identity struct {
		// "oidc" runs the real sign-in flow, "static" asserts a fixed identity (development only)
		Provider string `toml:"provider"`

		Static struct {
			Subject string `toml:"subject"`
			Email   string `toml:"email"`
			Name    string `toml:"name"`
		} `toml:"static"`
	} `toml:"identity"`

	OIDC struct {
		IssuerURL                  string   `toml:"issuer_url"`
		IssuerDiscoveryOverrideURL string   `toml:"issuer_discovery_override_url"`
		ClientID                   string   `toml:"client_id"`
		ClientSecret               string   `toml:"client_secret"`
		AdditionalScopes           []string `toml:"additional_scopes"`

		// Where the loopback redirect receiver listens. Port 0 picks a free one.
		ListenAddress string `toml:"listen_address"`
		CallbackPath  string `toml:"callback_path"`

		// Bounds discovery and the code exchange. The browser step isn't bounded.
		TimeoutSeconds int `toml:"timeout_seconds"`
	} `toml:"oidc"`

	Storage struct {
		// "file", "sqlite" or "memory"
		Type string `toml:"type"`
		Path string `toml:"path"`
		// age X25519 identity. If set, the file store is encrypted at rest.
		IdentityFile string `toml:"identity_file"`
	} `toml:"storage"`

	AccessControl struct {
		// Roles allowed into the app. Anything else is treated as unauthorized.
		AuthorizedRoles []string `toml:"authorized_roles"`
	} `toml:"access_control"`

	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`

	DevBackend struct {
		Port           int    `toml:"port"`
		Secret         string `toml:"secret"`
		DefaultRole    string `toml:"default_role"`
		OrganizationID string `toml:"organization_id"`
		TokenLifetime  int    `toml:"token_lifetime"`

		// email (or *@domain) => role
		RoleMapping map[string]string `toml:"role_mapping"`
	} `toml:"devbackend"`
}

// TOML unmarshalling doesn't override fields that weren't set in the file, so defaults go in first
func (c *Config) setDefaults() {
	c.Backend.Mode = "http"
	c.Backend.TimeoutSeconds = 10
	c.Backend.Local.Role = "DRIVER"
	c.Backend.Local.OrganizationID = "local"
	c.Backend.Local.TokenLifetime = 60 * 60 * 24

	c.Identity.Provider = "oidc"

	c.OIDC.IssuerURL = "https://accounts.google.com"
	c.OIDC.ListenAddress = "127.0.0.1:0"
	c.OIDC.CallbackPath = "/callback"
	c.OIDC.TimeoutSeconds = 10

	c.Storage.Type = "file"

	c.AccessControl.AuthorizedRoles = []string{"DRIVER"}

	c.Log.Level = "info"
	c.Log.Format = "text"

	c.DevBackend.Port = 8088
	c.DevBackend.DefaultRole = "DRIVER"
	c.DevBackend.OrganizationID = "dev"
	c.DevBackend.TokenLifetime = 60 * 60 * 24
}

// Default returns a config with every default applied and nothing validated.
func Default() *Config {
	conf := new(Config)
	conf.setDefaults()
	return conf
}

func defaultStoragePath(storageType string) string {
	name := "session.json"
	if storageType == "sqlite" {
		name = "session.db"
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, "busline", name)
}

func randomSecret() (string, error) {
	buff := make([]byte, 24)
	if _, err := rand.Read(buff); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buff), nil
}

// ensureSecret fills in a random secret when none was given and rejects short ones.
func ensureSecret(secret *string, name string) error {
	if *secret == "" {
		generated, err := randomSecret()
		if err != nil {
			return fmt.Errorf("failed to generate random %s: %w", name, err)
		}
		*secret = generated
		slog.Warn("no secret configured, generated a random one; tokens won't survive a restart", "setting", name)
		return nil
	}
	if len(*secret) < minSecretLength {
		return fmt.Errorf("%s is shorter than %d characters, please supply a long, random secret", name, minSecretLength)
	}
	return nil
}

// LoadFromTomlFile reads the config with defaults applied but checks nothing.
func LoadFromTomlFile(filepath string) (*Config, error) {
	file, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}

	conf := Default()

	err = toml.Unmarshal(file, conf)
	if err != nil {
		return nil, err
	}
	return conf, nil
}

func LoadFromTomlFileAndValidate(filepath string) (*Config, error) {
	conf, err := LoadFromTomlFile(filepath)
	if err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the config and fills in derived values (generated secrets,
// the default storage path).
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case "http":
		if c.Backend.BaseURL == "" {
			return fmt.Errorf("please supply backend.base_url")
		}
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend.base_url (%q) must be an absolute URL", c.Backend.BaseURL)
		}
	case "local":
		if err := ensureSecret(&c.Backend.Local.Secret, "backend.local.secret"); err != nil {
			return err
		}
		if c.Backend.Local.TokenLifetime <= 0 {
			return fmt.Errorf("backend.local.token_lifetime must be positive")
		}
	default:
		return fmt.Errorf("invalid backend mode supplied (%s), valid modes are \"http\" and \"local\"", c.Backend.Mode)
	}

	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend.timeout_seconds must be positive")
	}

	switch c.Identity.Provider {
	case "oidc":
		if c.OIDC.ClientID == "" || c.OIDC.IssuerURL == "" || c.OIDC.CallbackPath == "" {
			return fmt.Errorf("your OIDC config is insufficient, please supply the following: client_id, issuer_url, callback_path")
		}
		if c.OIDC.TimeoutSeconds <= 0 {
			return fmt.Errorf("oidc.timeout_seconds must be positive")
		}
	case "static":
		if c.Identity.Static.Subject == "" || c.Identity.Static.Email == "" {
			return fmt.Errorf("the static identity provider needs identity.static.subject and identity.static.email")
		}
	default:
		return fmt.Errorf("invalid identity provider supplied (%s), valid providers are \"oidc\" and \"static\"", c.Identity.Provider)
	}

	switch c.Storage.Type {
	case "file", "sqlite":
		if c.Storage.Path == "" {
			c.Storage.Path = defaultStoragePath(c.Storage.Type)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage type supplied (%s), valid types are \"file\", \"sqlite\" and \"memory\"", c.Storage.Type)
	}
	if c.Storage.IdentityFile != "" && c.Storage.Type != "file" {
		return fmt.Errorf("storage.identity_file is only supported with the file store")
	}

	if len(c.AccessControl.AuthorizedRoles) == 0 {
		return fmt.Errorf("access_control.authorized_roles is empty, nobody will be able to use the app")
	}
	if slices.Contains(c.AccessControl.AuthorizedRoles, "") {
		return fmt.Errorf("access_control.authorized_roles contains an empty role")
	}

	return nil
}

// ValidateDevBackend checks only what the development backend needs.
func (c *Config) ValidateDevBackend() error {
	if c.DevBackend.Port <= 0 || c.DevBackend.Port > 65535 {
		return fmt.Errorf("devbackend.port (%d) is out of range", c.DevBackend.Port)
	}
	if c.DevBackend.DefaultRole == "" {
		return fmt.Errorf("please supply devbackend.default_role")
	}
	if c.DevBackend.TokenLifetime <= 0 {
		return fmt.Errorf("devbackend.token_lifetime must be positive")
	}
	return ensureSecret(&c.DevBackend.Secret, "devbackend.secret")
}
