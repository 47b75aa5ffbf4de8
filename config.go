package imagemill

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/image-mill/image-mill/storage"
	"github.com/image-mill/image-mill/transcode"
)

// Duration wraps time.Duration so config files can say "15s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	// Address to listen on.
	Listen string `yaml:"listen"`
	// Root directory for originals, derivatives and temp files.
	StorageRoot string `yaml:"storageRoot"`
	// Index DB file name (use 'memory' for an in-memory index).
	IndexDB string `yaml:"indexDb"`
	// Allowed output widths. Requested widths downgrade to the nearest
	// bucket at or below them.
	Widths []int `yaml:"widths"`
	// Number of transcode workers. Zero means one per CPU.
	Workers int `yaml:"workers"`
	// How long a request waits on a generation started by another
	// request before responding 503.
	WaitTimeout Duration `yaml:"waitTimeout"`
	// How long a permanently failed key is refused before generation
	// may run again. Zero means forever.
	RetryAfter Duration `yaml:"retryAfter"`
	// Wall-clock budget for a single generation, queue time included.
	TaskTimeout Duration `yaml:"taskTimeout"`
	// Size cap for uploaded and fetched originals, in bytes.
	MaxUploadBytes int64 `yaml:"maxUploadBytes"`
	// Timeout for fetching an original by URL.
	FetchTimeout Duration `yaml:"fetchTimeout"`
	// Serve the original bytes uncached when transcoding fails
	// transiently, instead of responding 503.
	DegradeOnTransient bool `yaml:"degradeOnTransient"`
	// Bearer token required on mutating API routes. Empty disables auth.
	APIToken string `yaml:"apiToken"`
	// Allowed CORS origin for the API.
	CORSOrigin string `yaml:"corsOrigin"`
	// Codec quality settings.
	Quality QualityConfig `yaml:"quality"`
	// Metadata index to use. Opened from IndexDB when nil.
	Index storage.Index `yaml:"-"`
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
}

// QualityConfig mirrors transcode.Options in config-file form.
type QualityConfig struct {
	AVIFQuality int `yaml:"avifQuality"`
	AVIFSpeed   int `yaml:"avifSpeed"`
	WebPQuality int `yaml:"webpQuality"`
	WebPMethod  int `yaml:"webpMethod"`
	JPEGQuality int `yaml:"jpegQuality"`
}

func (q QualityConfig) options() transcode.Options {
	return transcode.Options{
		AVIFQuality: q.AVIFQuality,
		AVIFSpeed:   q.AVIFSpeed,
		WebPQuality: q.WebPQuality,
		WebPMethod:  q.WebPMethod,
		JPEGQuality: q.JPEGQuality,
	}
}

// DefaultConfig returns the configuration used when no file or flags
// override it.
func DefaultConfig() Config {
	opts := transcode.DefaultOptions()
	return Config{
		Listen:             ":8080",
		StorageRoot:        "data",
		IndexDB:            "index.db",
		Widths:             []int{1920, 1280, 800},
		WaitTimeout:        Duration(15 * time.Second),
		RetryAfter:         Duration(15 * time.Minute),
		TaskTimeout:        Duration(5 * time.Minute),
		MaxUploadBytes:     10 << 20,
		FetchTimeout:       Duration(20 * time.Second),
		DegradeOnTransient: true,
		CORSOrigin:         "*",
		Quality: QualityConfig{
			AVIFQuality: opts.AVIFQuality,
			AVIFSpeed:   opts.AVIFSpeed,
			WebPQuality: opts.WebPQuality,
			WebPMethod:  opts.WebPMethod,
			JPEGQuality: opts.JPEGQuality,
		},
	}
}

// LoadConfig reads filename and unmarshals it over the defaults, so a
// config file only needs the keys it changes.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
