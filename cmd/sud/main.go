package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"slot-upload-daemon/internal/cli"
	"slot-upload-daemon/internal/config"
	"slot-upload-daemon/internal/daemon"
	"slot-upload-daemon/internal/logger"

	"github.com/kardianos/service"
)

func main() {
	cfgPath := daemon.DefaultConfigPath()

	// Logging settings are read leniently here; "run" reports a bad config.
	logPath := filepath.Join(filepath.Dir(cfgPath), "sud.log")
	logLevel := "info"
	if cfg, err := config.Load(cfgPath); err == nil {
		logPath = cfg.LogPath
		logLevel = cfg.LogLevel
	}

	svcConfig := &service.Config{
		Name:        "slot-upload-daemon",
		DisplayName: "Slot Upload Daemon",
		Description: "Records audio in 30-minute slots and uploads each slot file.",
		Arguments:   []string{"run"},
		Option: service.KeyValue{
			"UserService": true,
		},
	}

	prg := &daemon.Daemon{CfgPath: cfgPath}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	sysLogger, err := s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		for err := range errs {
			if err != nil {
				log.Print(err)
			}
		}
	}()

	// Only the service itself writes the log file; CLI commands log to stderr.
	runsService := !service.Interactive() || (len(os.Args) > 1 && os.Args[1] == "run")
	opts := logger.Options{Level: logLevel, Console: service.Interactive()}
	if runsService {
		opts.File = logPath
		opts.Service = sysLogger
	}
	slogger, closer := logger.Setup(opts)
	prg.Logger = slogger

	rootCmd := cli.NewRootCmd(s, slogger, logPath, cfgPath)
	err = rootCmd.Execute()
	closer.Close()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
