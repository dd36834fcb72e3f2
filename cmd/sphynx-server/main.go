// Command sphynx-server runs a Sphynx listener.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Clouded-Sabre/sphynx/config"
	"github.com/Clouded-Sabre/sphynx/protocol"
	"github.com/Clouded-Sabre/sphynx/server"
	"github.com/Clouded-Sabre/sphynx/transport"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sphynx-server",
	Short: "Run a Sphynx secure transport server",
	RunE:  runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML server config file")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultServerConfig()
	if configPath != "" {
		loaded, err := config.LoadServerConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	deliver := func(stream uint8, op protocol.SuperOpcode, data []byte) {
		entry.WithFields(logrus.Fields{"stream": stream, "op": op.String(), "bytes": len(data)}).Debug("application message")
	}

	srv, err := server.New(cfg, transport.Deliverer(deliver), entry)
	if err != nil {
		return fmt.Errorf("sphynx-server: %w", err)
	}
	entry.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "port": cfg.ListenPort, "workers": cfg.WorkerSockets}).Info("listening")
	return srv.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
