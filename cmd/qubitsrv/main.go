package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "qubitsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			glog.Exitf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `qubitsrv streams a digitizer through online demodulation and statistics,
controls the microwave sources of the experiment, and exposes both over HTTP.

Usage:
	qubitsrv <command> [glog flags]

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `qubitsrv is configured by qubitsrv.yml in the working directory.  Run
"qubitsrv mkconf" to write one populated with the defaults.

Each entry of digitizers and sources is served under its endpoint, e.g.
endpoint "/readout" gives /readout/start, /readout/status and so on.  No two
entries may share an endpoint.  GET /endpoints lists every route.

Digitizer routes:
	GET|POST /config       {"acquisition": {...}, "processing": {...}}
	POST     /start, /stop
	GET      /status, /result, /result/fits, /result/csv, /history
	GET|POST /lock         {"bool": true} refuses changes with 423

Source routes:
	GET|POST /frequency {"f64": Hz}, /power {"f64": dBm},
	         /phase {"f64": degrees}, /output {"bool": on}
	POST     /raw {"str": "*IDN?"}

Processing modes are raw, demod, filter and spectrum.  Source transports are
tcp (port 5025 unless given), serial and usbtmc.

The real digitizer requires a build with -tags atsapi; set mock: true to use
a simulated board.  Logging is controlled by the glog flags, e.g.
	qubitsrv run -logtostderr -v=1`
	fmt.Println(str)
}

func loadConfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		glog.Exit(err)
	}
	return c
}

func mkconf() {
	c := loadConfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		glog.Exit(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		glog.Exit(err)
	}
}

func printconf() {
	c := loadConfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		glog.Exit(err)
	}
}

func pversion() {
	fmt.Printf("qubitsrv version %v\n", Version)
}

func run() {
	c := loadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	mux, closers, err := BuildMux(ctx, c)
	if err != nil {
		glog.Exit(err)
	}
	defer closers.Close()
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	glog.Infof("now listening for requests at %s", c.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Error(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	flag.CommandLine.Parse(args[2:])
	defer glog.Flush()
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "version":
		pversion()
	default:
		glog.Exitf("unknown command %q", cmd)
	}
}
