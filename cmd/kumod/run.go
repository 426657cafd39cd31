package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/urfave/cli/v2"

	"github.com/kumomta/kumod-core/framework/log"
	kumodcli "github.com/kumomta/kumod-core/internal/cli"
)

func init() {
	kumodcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "start the kumod delivery engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the kumod configuration file",
				Value:   "/etc/kumod/kumod.conf",
				EnvVars: []string{"KUMOD_CONFIG"},
			},
			&cli.DurationFlag{
				Name:  "drain-timeout",
				Usage: "how long to wait for in-flight deliveries on shutdown before aborting",
				Value: 30 * time.Second,
			},
		},
		Action: runCommand,
	})
}

func runCommand(ctx *cli.Context) error {
	logger := log.Logger{Name: "kumod"}

	cfg, err := ParseConfig(ctx.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	smtpServ := smtp.NewServer(srv.ingressBackend())
	smtpServ.Domain = cfg.Hostname
	smtpServ.EnableSMTPUTF8 = true
	smtpServ.AllowInsecureAuth = true

	var smtpListeners []net.Listener
	for _, addr := range cfg.ListenSMTP {
		l, err := srv.listen(addr)
		if err != nil {
			for _, prev := range smtpListeners {
				prev.Close()
			}
			return cli.Exit(err.Error(), 1)
		}
		smtpListeners = append(smtpListeners, l)
		go func(l net.Listener) {
			if err := smtpServ.Serve(l); err != nil {
				logger.Println("smtp listener", l.Addr(), "exited:", err)
			}
		}(l)
		logger.Println("listening for SMTP on", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/inject", srv.injectHandler())
	mountAdminAPI(mux, srv)

	httpServ := &http.Server{Addr: cfg.ListenHTTP, Handler: mux}
	go func() {
		if err := httpServ.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Println("http listener exited:", err)
		}
	}()
	logger.Println("listening for HTTP on", cfg.ListenHTTP)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ctx.Duration("drain-timeout")+5*time.Second)
	defer cancel()

	httpServ.Shutdown(shutdownCtx)
	smtpServ.Close()
	srv.Shutdown(shutdownCtx, ctx.Duration("drain-timeout"))

	return nil
}
