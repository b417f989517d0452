// Command camgated is the camgate capture daemon: it claims the camera,
// publishes frames into shared memory, and answers control requests on a
// Unix socket. It is normally launched by `camgate start`.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"camgate/internal/config"
	"camgate/internal/daemonrun"
)

func main() {
	var configPath string
	var synthetic bool
	var logLevel string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.BoolVar(&synthetic, "synthetic", false, "capture from the built-in synthetic camera instead of hardware")
	flag.StringVar(&logLevel, "log-level", "", "override the configured log level")
	flag.Parse()

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "camgated: load config: %v\n", err)
		os.Exit(1)
	}

	err = daemonrun.Run(context.Background(), cfg, daemonrun.Options{
		LogLevel:  logLevel,
		Synthetic: synthetic,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "camgated: %v\n", err)
		os.Exit(1)
	}
}
