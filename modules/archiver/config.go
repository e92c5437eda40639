package archiver

import (
	"flag"
	"time"

	"github.com/zachfi/zkit/pkg/util"
)

// Write buffer sizing guidance (write-buffer-size):
// - SSD wear: fewer, larger writes reduce I/O overhead; 256KiB–1MiB is a good range.
// - NFS: larger buffers amortize round-trip cost; 512KiB–1MiB often performs better than 256KiB.
// - Upper bound: config is clamped to 4MiB to limit memory and avoid huge single writes.
const (
	defaultWriteBufferSize = 256 * 1024 // 256 KiB
	defaultRotateInterval  = 30 * time.Minute
)

type Config struct {
	// Mount is a local mountpoint to archive. The archiver attaches to
	// the mount registry and records whatever the relay feeds it.
	Mount string `yaml:"mount,omitempty"`
	// URL is a remote stream to archive directly, bypassing the relay.
	// Exactly one of Mount and URL should be set.
	URL             string        `yaml:"url,omitempty"`
	Dir             string        `yaml:"dir,omitempty"`
	WriteBufferSize int           `yaml:"write-buffer-size,omitempty"` // bytes to buffer before writing (reduces write frequency)
	RotateInterval  time.Duration `yaml:"rotate-interval,omitempty"`   // file rotation period when the source carries no track metadata
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Mount, util.PrefixConfig(prefix, "mount"), "", "Local mountpoint to archive")
	f.StringVar(&cfg.URL, util.PrefixConfig(prefix, "url"), "", "Remote stream URL to archive directly")
	f.StringVar(&cfg.Dir, util.PrefixConfig(prefix, "dir"), "", "The directory to save recordings under")
	f.IntVar(&cfg.WriteBufferSize, util.PrefixConfig(prefix, "write-buffer-size"), defaultWriteBufferSize,
		"Bytes to buffer in memory before writing to disk (default 256KiB). Larger values reduce write frequency (helps SSD longevity and NFS). Reasonable range: 256KiB-1MiB.")
	f.DurationVar(&cfg.RotateInterval, util.PrefixConfig(prefix, "rotate-interval"), defaultRotateInterval,
		"How often to start a new file when recording a mount without track metadata.")
}
