// Command sphynx-client connects to a Sphynx server and idles,
// exercising the handshake, clock sync, and MTU discovery loops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Clouded-Sabre/sphynx/client"
	"github.com/Clouded-Sabre/sphynx/config"
	"github.com/Clouded-Sabre/sphynx/protocol"
	"github.com/Clouded-Sabre/sphynx/transport"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sphynx-client",
	Short: "Connect to a Sphynx secure transport server",
	RunE:  runClient,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML client config file")
}

func runClient(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("sphynx-client: --config is required")
	}
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	deliver := func(stream uint8, op protocol.SuperOpcode, data []byte) {
		entry.WithFields(logrus.Fields{"stream": stream, "op": op.String(), "bytes": len(data)}).Debug("application message")
	}

	sess, err := client.Dial(context.Background(), cfg, transport.Deliverer(deliver), entry)
	if err != nil {
		return fmt.Errorf("sphynx-client: %w", err)
	}
	defer sess.Close()
	entry.WithFields(logrus.Fields{"server": cfg.ServerHost, "port": cfg.ServerPort}).Info("connected")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
