// Package main provides the CLI entry point for win-remote-media-ctrl.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdbai/win-remote-media-ctrl/internal/certutil"
	"github.com/bdbai/win-remote-media-ctrl/internal/config"
	"github.com/bdbai/win-remote-media-ctrl/internal/logging"
	"github.com/bdbai/win-remote-media-ctrl/internal/metrics"
	"github.com/bdbai/win-remote-media-ctrl/internal/psk"
	"github.com/bdbai/win-remote-media-ctrl/internal/server"
	"github.com/bdbai/win-remote-media-ctrl/internal/wizard"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "win-remote-media-ctrl",
		Short: "Remote control channel for this desktop's media playback",
		Long: `win-remote-media-ctrl exposes the desktop's currently playing media
over an authenticated, end-to-end encrypted websocket channel plus a
simpler HMAC-authenticated HTTP variant. Clients receive pushed track,
timeline, album-art and volume updates and send playback commands.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(certCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			key, err := psk.Load(cfg.Auth.PSKFile)
			if err != nil {
				// The server is inoperable without its secret.
				log.Error("cannot load pre-shared key", logging.KeyError, err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg, key, log, metrics.Default())
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")
	return cmd
}

func setupCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.Run(dir)
			return err
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory for config.yaml and private_key.txt")
	return cmd
}

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new pre-shared key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := psk.Generate(out); err != nil {
				return err
			}
			fmt.Println("Wrote", out)
			fmt.Println("Install the same key on every client that should connect.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "private_key.txt", "output file")
	return cmd
}

func certCmd() *cobra.Command {
	var (
		commonName string
		certOut    string
		keyOut     string
	)

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed TLS certificate for LAN use",
		RunE: func(cmd *cobra.Command, args []string) error {
			gc, err := certutil.GenerateServerCert(certutil.DefaultServerOptions(commonName))
			if err != nil {
				return err
			}
			if err := gc.SaveToFiles(certOut, keyOut); err != nil {
				return err
			}
			fmt.Println("Wrote", certOut, "and", keyOut)
			fmt.Println("Fingerprint:", gc.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "localhost", "certificate common name")
	cmd.Flags().StringVar(&certOut, "cert", "cert.pem", "certificate output file")
	cmd.Flags().StringVar(&keyOut, "key", "key.pem", "private key output file")
	return cmd
}
