// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"code.hybscloud.com/tcpproxy"
)

var cmd cmdArgs

type cmdArgs struct {
	bufferSize string
	backlog    int
	verbose    bool
}

var rootCmd = &cobra.Command{
	Use:   "tcpproxy <listen-host> <listen-port> <upstream-host> <upstream-port>",
	Short: "Single-process event-driven TCP forwarding proxy",
	Args:  cobra.ExactArgs(4),
	RunE: func(_ *cobra.Command, args []string) error {
		return run(args[0], args[1], args[2], args[3], cmd)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cmd.bufferSize, "buffer-size", "4096B",
		"per-direction ring buffer size, e.g. 4096B, 64KB")
	rootCmd.Flags().IntVar(&cmd.backlog, "backlog", tcpproxy.DefaultBacklog,
		"listen(2) backlog for the listening socket")
	rootCmd.Flags().BoolVarP(&cmd.verbose, "verbose", "v", false,
		"enable debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(listenHost, listenPort, upstreamHost, upstreamPort string, cmd cmdArgs) error {
	var bufferSize datasize.ByteSize
	if err := bufferSize.UnmarshalText([]byte(cmd.bufferSize)); err != nil {
		return fmt.Errorf("invalid --buffer-size %q: %w", cmd.bufferSize, err)
	}

	config := zap.NewDevelopmentConfig()
	config.Development = false
	if !cmd.verbose {
		config.Level.SetLevel(zap.InfoLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	loop, err := tcpproxy.NewEventLoop(listenHost, listenPort, upstreamHost, upstreamPort,
		tcpproxy.WithBufferSize(int(bufferSize)),
		tcpproxy.WithBacklog(cmd.backlog),
		tcpproxy.WithLog(log),
	)
	if err != nil {
		return fmt.Errorf("start event loop: %w", err)
	}
	defer loop.Close()

	log.Infow("tcpproxy listening",
		"listen", fmt.Sprintf("%s:%s", listenHost, listenPort),
		"upstream", fmt.Sprintf("%s:%s", upstreamHost, upstreamPort),
		"buffer_size", bufferSize.String(),
	)

	stop := make(chan struct{})
	if err := loop.Run(stop); err != nil {
		return fmt.Errorf("event loop: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
