package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NagaraTech/chronos"
	"github.com/NagaraTech/chronos/protocol"
	"github.com/NagaraTech/chronos/repl"
	"github.com/NagaraTech/chronos/vlc"
)

type Config struct {
	Dir     string   `toml:"dir"`
	KeyHex  string   `toml:"key"`
	Listen  []string `toml:"listen"`
	Connect []string `toml:"connect"`
	Metrics string   `toml:"metrics"`

	MaxPending int   `toml:"max_pending"`
	PendingTTL int64 `toml:"pending_ttl_ms"`

	Keys []string `toml:"peer_keys"`
}

func loadConfig(path string) (cfg Config, err error) {
	cfg.Dir = "chronos-data"
	if path == "" {
		return
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return
	}
	err = tree.Unmarshal(&cfg)
	return
}

func run() error {
	confPath := flag.String("config", "", "TOML config file")
	keyHex := flag.String("key", "", "signing key, hex (overrides config)")
	dir := flag.String("dir", "", "replica directory (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*confPath)
	if err != nil {
		return err
	}
	if *keyHex != "" {
		cfg.KeyHex = *keyHex
	}
	if *dir != "" {
		cfg.Dir = *dir
	}

	var identity *vlc.Identity
	if cfg.KeyHex != "" {
		if identity, err = vlc.IdentityFromHex(cfg.KeyHex); err != nil {
			return err
		}
	} else {
		if identity, err = vlc.NewIdentity(); err != nil {
			return err
		}
		fmt.Printf("new identity %s, key %s\n", identity.Node.String(), identity.Hex())
	}

	var keys [][]byte
	for _, hexKey := range cfg.Keys {
		pub, err := hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("bad peer key %q: %w", hexKey, err)
		}
		keys = append(keys, pub)
	}

	opts := chronos.Options{
		Identity:   identity,
		MaxPending: cfg.MaxPending,
		Keys:       keys,
	}
	if cfg.PendingTTL > 0 {
		opts.PendingTTL = time.Duration(cfg.PendingTTL) * time.Millisecond
	}

	host, err := chronos.Open(cfg.Dir, opts)
	if err != nil {
		return err
	}
	defer host.Close()

	if cfg.Metrics != "" {
		reg := prometheus.NewRegistry()
		if err = host.RegisterMetrics(reg); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics, mux); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
			}
		}()
	}

	net := host.OpenNetwork(nil)
	defer net.Close()
	ctx := context.Background()
	if err = net.ReOpen(ctx); err != nil {
		return err
	}
	for _, addr := range cfg.Listen {
		if err = net.Listen(ctx, addr); err != nil && !errors.Is(err, protocol.ErrAddressDuplicated) {
			return err
		}
	}
	for _, addr := range cfg.Connect {
		if err = net.Connect(ctx, addr); err != nil && !errors.Is(err, protocol.ErrAddressDuplicated) {
			return err
		}
	}

	console := repl.REPL{Host: host, Net: net}
	if err = console.Open(); err != nil {
		return err
	}
	defer console.Close()
	console.Run()
	return nil
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
