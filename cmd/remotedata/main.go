// Command remotedata runs and inspects the remote data cache.
package main

import (
	"strconv"
	"time"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/remotedata/datacache"
	"github.com/wolfeidau/remotedata/download"
	"github.com/wolfeidau/remotedata/imagecache"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Dir                string        `help:"Cache directory." default:"./cache" env:"REMOTEDATA_DIR" type:"path"`
	ExpirationInterval time.Duration `help:"Content TTL; negative disables expiry." default:"${expiration}" env:"REMOTEDATA_EXPIRATION_INTERVAL"`
	MaxActiveRequests  int           `help:"Maximum simultaneous transfers." default:"${max_active}" env:"REMOTEDATA_MAX_ACTIVE_REQUESTS"`
	QueueOrder         string        `help:"Promotion order for queued keys." default:"fifo" enum:"fifo,lifo" env:"REMOTEDATA_QUEUE_ORDER"`
	ImageMemory        int64         `help:"Bytes of decoded images held in memory." default:"${image_memory}" env:"REMOTEDATA_IMAGE_MEMORY"`
	HTTPTimeout        time.Duration `help:"Timeout for a single fetch." default:"${http_timeout}" env:"REMOTEDATA_HTTP_TIMEOUT"`
	UserAgent          string        `help:"User-Agent sent with fetches." env:"REMOTEDATA_USER_AGENT"`
	FetchRate          float64       `help:"Origin requests per second; 0 is unlimited." default:"0" env:"REMOTEDATA_FETCH_RATE"`
	FetchBurst         int           `help:"Burst allowed above the fetch rate." default:"1" env:"REMOTEDATA_FETCH_BURST"`

	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"REMOTEDATA_LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"text" enum:"text,json,console" env:"REMOTEDATA_LOG_FORMAT"`
	LogFile   string `help:"Write logs to this file with rotation instead of stderr." env:"REMOTEDATA_LOG_FILE"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" help:"Serve the cache over HTTP."`
	Fetch FetchCmd `cmd:"" help:"Fetch keys into the cache."`
	Ls    LsCmd    `cmd:"" help:"List cached entries."`
	Purge PurgeCmd `cmd:"" help:"Remove expired entries."`
	Clear ClearCmd `cmd:"" help:"Remove every entry."`
	Stats StatsCmd `cmd:"" help:"Print cache statistics."`
}

func vars() kong.Vars {
	return kong.Vars{
		"version":      version,
		"expiration":   datacache.DefaultExpirationInterval.String(),
		"max_active":   strconv.Itoa(download.DefaultMaxActiveRequests),
		"image_memory": strconv.FormatInt(imagecache.DefaultMaxMemoryBytes, 10),
		"http_timeout": download.DefaultTimeout.String(),
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("remotedata"),
		kong.Description("Disk-backed cache and fetch coordinator for remote data."),
		kong.UsageOnError(),
		vars(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
