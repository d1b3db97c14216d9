/*
	This is the smtpd daemon launcher
	./smtpd -config=etc/smtpd.conf -logfile=smtpd.log &
*/
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/relaykit/go-smtpd"
	"github.com/relaykit/go-smtpd/auth"
	"github.com/relaykit/go-smtpd/config"
	"github.com/relaykit/go-smtpd/filter"
	"github.com/relaykit/go-smtpd/log"
	"github.com/relaykit/go-smtpd/metrics"
	"github.com/relaykit/go-smtpd/store"
	"github.com/relaykit/go-smtpd/verify"
)

var (
	// Build info, populated during linking
	VERSION    = "1.1"
	BUILD_DATE = "undefined"

	// Command line flags
	help       = flag.Bool("help", false, "Displays this help")
	pidfile    = flag.String("pidfile", "none", "Write our PID into the specified file")
	logfile    = flag.String("logfile", "stderr", "Write out log into the specified file")
	configfile = flag.String("config", "/etc/smtpd.conf", "Path to the configuration file")

	// The file we send log output to, will be nil for stderr or stdout
	logf *os.File

	// Server instances
	smtpServer  *smtp.Server
	adminServer *metrics.AdminServer
)

func main() {
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	err := config.LoadConfig(*configfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	// Setup signal handler
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)
	go signalProcessor(sigChan)

	// Configure logging, close std* fds
	log.SetLogLevel(config.GetLogLevel())

	if *logfile != "stderr" {
		if *logfile == "stdout" {
			log.SetOutput(os.Stdout)
		} else {
			err := openLogFile()
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v", err)
				os.Exit(1)
			}
			defer closeLogFile()

			// close std* streams
			os.Stdout.Close()
			os.Stderr.Close() // Warning: this will hide panic() output
			os.Stdin.Close()
			os.Stdout = logf
			os.Stderr = logf
		}
	}

	log.LogInfo("Smtpd %v (%v) starting...", VERSION, BUILD_DATE)

	if *pidfile != "none" {
		pidf, err := os.Create(*pidfile)
		if err != nil {
			log.LogError("Failed to create %v: %v", *pidfile, err)
			os.Exit(1)
		}
		fmt.Fprintf(pidf, "%v\n", os.Getpid())
		pidf.Close()
		defer os.Remove(*pidfile)
	}

	smtpServer, err = newSmtpServer()
	if err != nil {
		log.LogError("%v", err)
		os.Exit(1)
	}

	// Startup SMTP server, block until it exits
	cfg := config.GetSmtpConfig()
	log.LogInfo("SMTP listening on TCP4 %v", smtpServer.Addr)
	if cfg.TLSImplicit {
		err = smtpServer.ListenAndServeTLS()
	} else {
		err = smtpServer.ListenAndServe()
	}
	if err != nil && err != smtp.ErrServerClosed {
		log.LogError("SMTP server failed: %v", err)
	}
	log.LogInfo("Smtpd shutdown complete")
}

// newSmtpServer builds the server and its backend from the loaded config,
// and starts the admin server if one is configured.
func newSmtpServer() (*smtp.Server, error) {
	cfg := config.GetSmtpConfig()
	authCfg := config.GetAuthConfig()
	verifyCfg := config.GetVerifyConfig()
	filterCfg := config.GetFilterConfig()

	var secrets *auth.Secrets
	if authCfg.Secrets != "" {
		var err error
		secrets, err = auth.ReadSecrets(authCfg.Secrets)
		if err != nil {
			return nil, fmt.Errorf("Failed to load secrets: %v", err)
		}
	}

	f, err := filter.New(filterCfg.Spec)
	if err != nil {
		return nil, err
	}
	log.LogInfo("Using filter %v", f.ID())

	st := store.New(store.Config{
		MaxMessages:   config.GetStoreConfig().MaxMessages,
		MaxSize:       int64(cfg.MaxMessageBytes),
		Filter:        f,
		FilterTimeout: filterCfg.Timeout,
	})

	be := &backend{
		store:            st,
		secrets:          secrets,
		authRequiresTLS:  cfg.AuthRequiresTLS,
		verifyExecutable: verifyCfg.Executable,
		verifyTimeout:    verifyCfg.Timeout,
		internal:         verify.NewInternal(verifyCfg.LocalDomains, verifyCfg.LocalUsers),
	}

	s := smtp.NewServer(be)
	s.Addr = fmt.Sprintf("%v:%v", cfg.Ip4address, cfg.Ip4port)
	s.Domain = cfg.Domain
	s.Ident = "smtpd " + VERSION
	s.MaxClients = cfg.MaxClients
	s.MaxIdleSeconds = cfg.MaxIdleSeconds
	s.MaxLineLength = cfg.MaxLineLength
	s.Log = log.Logger
	s.Policy = smtp.Config{
		WithVrfy:               cfg.Vrfy,
		FilterTimeout:          cfg.FilterTimeout,
		MaxSize:                int64(cfg.MaxMessageBytes),
		AuthRequiresEncryption: cfg.AuthRequiresTLS,
		MailRequiresEncryption: cfg.MailRequiresTLS,
		WithStartTLS:           cfg.TLSCert != "" && !cfg.TLSImplicit,
		WithPipelining:         cfg.Pipelining,
		WithChunking:           cfg.Chunking,
		WithSMTPUTF8:           cfg.SMTPUTF8,
		SMTPUTF8Strict:         cfg.SMTPUTF8Strict,
		Disabled:               cfg.Disabled,
		BadClientLimit:         cfg.BadClientLimit,
	}

	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("Failed to load TLS key pair: %v", err)
		}
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	m := metrics.New()
	s.Observer = m

	if adminCfg := config.GetAdminConfig(); adminCfg.Enabled {
		addr := adminCfg.Ip4address.String() + ":" + strconv.Itoa(adminCfg.Ip4port)
		adminServer = metrics.NewAdminServer(addr, st, m)
		go adminServer.Start()
	}

	return s, nil
}

// openLogFile creates or appends to the logfile passed on commandline
func openLogFile() error {
	// use specified log file
	var err error
	logf, err = os.OpenFile(*logfile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("Failed to create %v: %v\n", *logfile, err)
	}
	log.SetOutput(logf)
	log.LogTrace("Opened new logfile")
	return nil
}

// closeLogFile closes the current logfile
func closeLogFile() error {
	log.LogTrace("Closing logfile")
	return logf.Close()
}

// signalProcessor is a goroutine that handles OS signals
func signalProcessor(c <-chan os.Signal) {
	for {
		sig := <-c
		switch sig {
		case syscall.SIGHUP:
			// Rotate logs if configured
			if logf != nil {
				log.LogInfo("Received SIGHUP, cycling logfile")
				closeLogFile()
				openLogFile()
			} else {
				log.LogInfo("Ignoring SIGHUP, logfile not configured")
			}
		case syscall.SIGTERM, os.Interrupt:
			// Initiate shutdown
			log.LogInfo("Received %v, shutting down", sig)
			go timedExit()
			if adminServer != nil {
				adminServer.Stop()
			}
			if smtpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				smtpServer.Shutdown(ctx)
				cancel()
			} else {
				log.LogError("smtpServer was nil during shutdown")
			}
		}
	}
}

// timedExit is called as a goroutine during shutdown, it will force an exit after 15 seconds
func timedExit() {
	time.Sleep(15 * time.Second)
	log.LogError("Smtpd clean shutdown timed out, forcing exit")
	os.Exit(0)
}

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage of smtpd [options]:")
		flag.PrintDefaults()
	}
}
