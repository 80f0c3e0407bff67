// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"

	"github.com/peersuite/peerd/blockdb"
)

const (
	// blockDbNamePrefix is the prefix for the block database name.
	blockDbNamePrefix = "blocks"
)

var cfg *config

// peerdMain is the real main function for peerd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func peerdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem such as the RPC server.
	interrupt := interruptListener()
	defer perdLog.Info("Shutdown complete")

	// Show version at startup.
	perdLog.Infof("Version %s", version())

	// Enable http profiling server if requested.
	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			perdLog.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			perdLog.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	// Load the block store.
	dbPath := filepath.Join(cfg.DataDir, blockDbNamePrefix+"_leveldb")
	perdLog.Infof("Loading block store from '%s'", dbPath)
	blockStore, err := blockdb.Open(dbPath, activeNetParams.Params)
	if err != nil {
		perdLog.Errorf("%v", err)
		return err
	}
	defer func() {
		perdLog.Infof("Gracefully shutting down the block store...")
		blockStore.Close()
	}()
	_, bestHeight := blockStore.ChainTip()
	perdLog.Infof("Block store loaded with chain height %d", bestHeight)

	if interruptRequested(interrupt) {
		return nil
	}

	// Create server and start it.
	listenAddr := net.JoinHostPort("", cfg.Port)
	server, err := newServer([]string{listenAddr}, blockStore,
		activeNetParams.Params)
	if err != nil {
		perdLog.Errorf("Unable to start server on %v: %v", listenAddr, err)
		return err
	}
	defer func() {
		perdLog.Infof("Gracefully shutting down the server...")
		server.Stop()
		server.WaitForShutdown()
		srvrLog.Infof("Server shutdown complete")
	}()
	server.Start()

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems such as the RPC
	// server.
	<-interrupt
	return nil
}

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit()
	if err := peerdMain(); err != nil {
		os.Exit(1)
	}
}
