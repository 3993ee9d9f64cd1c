package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tinode/tinmedia/internal/util"
)

type Config struct {
	Server Server `json:"server"`
	Calls  Calls  `json:"calls"`
	Upload Upload `json:"upload"`
	Paths  Paths  `json:"paths"`
}

type Server struct {
	// Websocket endpoint of the messaging server, e.g. "wss://api.example.org/v0/channels".
	Addr string `json:"addr"`

	// API key issued for this client build.
	APIKey string `json:"api_key"`

	// User-Agent style client identification sent in the hello.
	ClientID string `json:"client_id"`
}

type Calls struct {
	// Static ICE servers. Time-limited TURN credentials provisioned in the
	// invite response are appended to these at call time.
	ICEServers []ICEServer `json:"ice_servers"`

	// Base URL of the SFU used for multi-party (conference) calls.
	// Empty disables conference mode.
	SFUAddr string `json:"sfu_addr"`

	// Disable local video capture (audio-only client).
	VideoDisabled bool `json:"video_disabled"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Upload struct {
	// Endpoint for out-of-band file uploads. Usually derived from the server
	// address; set explicitly to use a separate media host.
	Endpoint string `json:"endpoint"`

	// Maximum number of upload jobs running at once. Extra jobs queue.
	MaxConcurrent int `json:"max_concurrent"`

	// Images larger than this on either axis are downscaled before sending.
	MaxImageDim int `json:"max_image_dim"`
}

type Paths struct {
	// Directory for the local message database.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Server: Server{
			ClientID: "tinmedia/1.0",
		},
		Calls: Calls{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Upload: Upload{
			MaxConcurrent: 2,
			MaxImageDim:   1024,
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	u, err := url.Parse(c.Server.Addr)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errors.New("server.addr must be a ws:// or wss:// URL")
	}

	if c.Calls.SFUAddr != "" {
		su, err := url.Parse(c.Calls.SFUAddr)
		if err != nil || (su.Scheme != "ws" && su.Scheme != "wss" && su.Scheme != "http" && su.Scheme != "https") {
			return errors.New("calls.sfu_addr must be a valid URL")
		}
	}
	for _, s := range c.Calls.ICEServers {
		if len(s.URLs) == 0 {
			return errors.New("calls.ice_servers entries need at least one URL")
		}
	}

	if c.Upload.MaxConcurrent <= 0 {
		return errors.New("upload.max_concurrent must be > 0")
	}
	if c.Upload.MaxImageDim < 128 {
		return errors.New("upload.max_image_dim must be >= 128")
	}
	if c.Upload.Endpoint != "" {
		eu, err := url.Parse(c.Upload.Endpoint)
		if err != nil || (eu.Scheme != "http" && eu.Scheme != "https") {
			return errors.New("upload.endpoint must be an http(s) URL")
		}
	}

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	return nil
}

// Load reads a config file, filling unset fields from Default.
// A missing file returns Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := util.ReadJSONFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	// A relative data dir is anchored at the config file, not the process cwd.
	cfg.Paths.DataDir = util.ResolvePath(filepath.Dir(path), cfg.Paths.DataDir)
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}
