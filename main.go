package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/afipws/wsaa-client-sidecar/config"
	"github.com/afipws/wsaa-client-sidecar/service"
	"github.com/afipws/wsaa-client-sidecar/usecase"
	"github.com/kpango/glg"
	"github.com/pkg/errors"
)

// Version is set by the build flags.
var Version = ""

type params struct {
	configFilePath string
	showVersion    bool

	// one-shot mode
	service    string
	cuit       string
	forceRenew bool
}

func getVersion() string {
	if Version == "" {
		return "development version"
	}
	return Version
}

func parseParams() (*params, error) {
	p := new(params)
	f := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	f.StringVar(&p.configFilePath,
		"f",
		"/etc/wsaa/config.yaml",
		"wsaa sidecar config yaml file path")
	f.BoolVar(&p.showVersion,
		"version",
		false,
		"show wsaa sidecar version")
	f.StringVar(&p.service,
		"service",
		"",
		"print the credentials of the service and exit")
	f.StringVar(&p.cuit,
		"cuit",
		"",
		"represented CUIT of the one-shot request")
	f.BoolVar(&p.forceRenew,
		"force",
		false,
		"request a new ticket even when the cached one is valid")

	err := f.Parse(os.Args[1:])
	if err != nil {
		return nil, errors.Wrap(err, "Parse Failed")
	}

	return p, nil
}

// setupLogger enables the glg levels up to cfg.Level. An empty level disables logging.
func setupLogger(cfg config.Log) error {
	g := glg.Get().SetMode(glg.NONE)

	switch cfg.Level {
	case "":
	case "debug":
		g.SetLevelMode(glg.DEBG, glg.STD)
		fallthrough
	case "info":
		g.SetLevelMode(glg.INFO, glg.STD)
		fallthrough
	case "warn":
		g.SetLevelMode(glg.WARN, glg.STD)
		fallthrough
	case "error":
		g.SetLevelMode(glg.ERR, glg.STD)
		fallthrough
	case "fatal":
		g.SetLevelMode(glg.FATAL, glg.STD)
	default:
		return errors.New("invalid log level")
	}

	if !cfg.Color {
		g.DisableColor()
	}
	return nil
}

func run(cfg config.Config) []error {
	if err := setupLogger(cfg.Log); err != nil {
		return []error{err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon, err := usecase.New(cfg)
	if err != nil {
		return []error{errors.Wrap(err, "tenant error")}
	}

	ech := daemon.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	isSignal := false
	for {
		select {
		case <-sigCh:
			cancel()
			isSignal = true
			glg.Warn("wsaa sidecar server shutdown...")
		case errs := <-ech:
			if !isSignal {
				return errs
			}
			ret := make([]error, 0, len(errs))
			for _, err := range errs {
				if err != context.Canceled {
					ret = append(ret, err)
				}
			}
			return ret
		}
	}
}

// issue prints the credentials of p.service to w as JSON.
func issue(cfg config.Config, p *params, w io.Writer) error {
	if err := setupLogger(cfg.Log); err != nil {
		return err
	}

	c, err := usecase.Issue(context.Background(), cfg, service.AuthRequest{
		Service:    p.service,
		CUIT:       p.cuit,
		ForceRenew: p.forceRenew,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

func main() {
	defer func() {
		if err := recover(); err != nil {
			if _, ok := err.(runtime.Error); ok {
				panic(err)
			}
			glg.Error(err)
		}
	}()

	p, err := parseParams()
	if err != nil {
		glg.Fatal(err)
		return
	}

	if p.showVersion {
		glg.Infof("wsaa sidecar version -> %s", getVersion())
		glg.Infof("wsaa sidecar config version -> %s", config.GetVersion())
		return
	}

	cfg, err := config.New(p.configFilePath)
	if err != nil {
		glg.Fatal(err)
		return
	}

	if cfg.Version != config.GetVersion() {
		glg.Fatal(errors.New("invalid wsaa sidecar configuration version"))
		return
	}

	if p.service != "" {
		if err := issue(*cfg, p, os.Stdout); err != nil {
			glg.Fatal(err)
		}
		return
	}

	errs := run(*cfg)
	if len(errs) > 0 {
		glg.Fatal(errs)
		return
	}
}
