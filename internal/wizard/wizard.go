// Package wizard provides the interactive first-run setup: it asks
// for the listener and TLS choices, writes config.yaml, and mints the
// pre-shared key.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/bdbai/win-remote-media-ctrl/internal/config"
	"github.com/bdbai/win-remote-media-ctrl/internal/psk"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	PSKPath    string
	PSKCreated bool
}

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	hintStyle   = lipgloss.NewStyle().Faint(true)
)

// Run executes the interactive setup and writes the resulting files
// into dir.
func Run(dir string) (*Result, error) {
	fmt.Println(bannerStyle.Render("win-remote-media-ctrl setup"))
	fmt.Println(hintStyle.Render("Remote control channel for this desktop's media playback."))
	fmt.Println()

	cfg := config.Default()
	useFallbackTLS := true
	scraperEnabled := cfg.Media.ScraperEnabled
	listen := cfg.Server.Listen
	certPath, keyPath := "", ""
	metricsListen := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("TCP address the TLS listener binds to.").
				Value(&listen).
				Validate(func(s string) error {
					_, _, err := net.SplitHostPort(s)
					return err
				}),
			huh.NewConfirm().
				Title("Fetch TLS certificate from the fallback endpoint?").
				Description("Choose No to point at a certificate pair on disk.").
				Value(&useFallbackTLS),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("TLS certificate chain path").
				Value(&certPath),
			huh.NewInput().
				Title("TLS private key path").
				Value(&keyPath),
		).WithHideFunc(func() bool { return useFallbackTLS }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the QQMusic process scraper?").
				Description("Reads richer track info straight out of the player.").
				Value(&scraperEnabled),
			huh.NewInput().
				Title("Metrics listen address").
				Description("Empty disables the Prometheus/pprof listener.").
				Value(&metricsListen),
		),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}

	cfg.Server.Listen = listen
	if !useFallbackTLS {
		cfg.Server.TLS.Cert = certPath
		cfg.Server.TLS.Key = keyPath
	}
	cfg.Media.ScraperEnabled = scraperEnabled
	cfg.Metrics.Listen = metricsListen
	cfg.Auth.PSKFile = filepath.Join(dir, "private_key.txt")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	configPath := filepath.Join(dir, "config.yaml")
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("writing config: %w", err)
	}

	result := &Result{
		Config:     cfg,
		ConfigPath: configPath,
		PSKPath:    cfg.Auth.PSKFile,
	}
	if _, err := os.Stat(cfg.Auth.PSKFile); os.IsNotExist(err) {
		if _, err := psk.Generate(cfg.Auth.PSKFile); err != nil {
			return nil, err
		}
		result.PSKCreated = true
	}

	fmt.Println()
	fmt.Println("Wrote", configPath)
	if result.PSKCreated {
		fmt.Println("Wrote", result.PSKPath)
		fmt.Println(hintStyle.Render("Install the same key on every client that should connect."))
	}
	return result, nil
}
