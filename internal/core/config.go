package core

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// ErrConfigMissing is returned when a required environment variable is absent.
var ErrConfigMissing = errors.New("config: required setting missing")

const (
	defaultBaseDirName = ".rmate_launcher"
	defaultSocketName  = "rmate.sock"
	defaultIP          = "127.0.0.1"
	defaultPort        = 52698
)

// BindKind selects which listener the daemon binds.
type BindKind int

const (
	BindUnix BindKind = iota
	BindTCP
)

// Bind is a tagged union of the two ways the daemon can listen, per spec.md
// §3 (`bind = UnixSocket{path} | Tcp{ip, port}`). Exactly one of the two
// shapes is populated, selected by Kind.
type Bind struct {
	Kind BindKind

	UnixPath string

	TCPHost string
	TCPPort int
}

// Config is the immutable, per-process configuration record described in
// spec.md §3 and §6. It is built once at startup by Load and never mutated.
type Config struct {
	EditorCommand string
	Bind          Bind
	BaseDir       string
}

// Load builds a Config from the process environment, per spec.md §6. It is
// the sole configuration surface: no config file is read, and the CLI
// accepts no flags beyond --help/-h (handled entirely by cobra in cmd).
func Load() (Config, error) {
	home, homeErr := os.UserHomeDir()

	v := viper.New()
	v.SetEnvPrefix("rmate")
	v.AutomaticEnv()

	v.SetDefault("editor", "")
	v.SetDefault("socket", "")
	v.SetDefault("ip", defaultIP)
	v.SetDefault("port", defaultPort)
	v.SetDefault("base_dir", "")

	editor := v.GetString("editor")
	if editor == "" {
		return Config{}, fmt.Errorf("%w: RMATE_EDITOR is required", ErrConfigMissing)
	}

	baseDir := v.GetString("base_dir")
	if baseDir == "" {
		if homeErr != nil || home == "" {
			return Config{}, fmt.Errorf("%w: RMATE_BASE_DIR or HOME must be set", ErrConfigMissing)
		}
		baseDir = filepath.Join(home, defaultBaseDirName)
	}

	bind, err := resolveBind(v, baseDir)
	if err != nil {
		return Config{}, err
	}

	return Config{
		EditorCommand: editor,
		Bind:          bind,
		BaseDir:       baseDir,
	}, nil
}

// resolveBind implements spec.md §6's mode selection rule: an explicit
// RMATE_SOCKET wins; otherwise TCP is chosen only when RMATE_IP or
// RMATE_PORT was explicitly set; otherwise the Unix socket default applies,
// placed under baseDir (which already folds in RMATE_BASE_DIR/HOME).
func resolveBind(v *viper.Viper, baseDir string) (Bind, error) {
	socketSet := v.IsSet("socket") && v.GetString("socket") != ""
	ipSet := v.IsSet("ip") && os.Getenv("RMATE_IP") != ""
	portSet := os.Getenv("RMATE_PORT") != ""

	if !socketSet && (ipSet || portSet) {
		port := defaultPort
		if portSet {
			parsed, err := strconv.Atoi(os.Getenv("RMATE_PORT"))
			if err != nil {
				slog.Warn("invalid RMATE_PORT, falling back to default", "value", os.Getenv("RMATE_PORT"), "default", defaultPort)
			} else {
				port = parsed
			}
		}
		ip := defaultIP
		if ipSet {
			ip = os.Getenv("RMATE_IP")
		}
		return Bind{Kind: BindTCP, TCPHost: ip, TCPPort: port}, nil
	}

	socketPath := v.GetString("socket")
	if socketPath == "" {
		socketPath = filepath.Join(baseDir, defaultSocketName)
	}
	return Bind{Kind: BindUnix, UnixPath: socketPath}, nil
}
