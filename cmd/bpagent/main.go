// bpagent is an interactive single-node bundle agent for exercising a
// channel end to end: store payloads, load the resulting bundles,
// loop them back through process, and accept the delivered payloads.
//
// Usage:
//
//	bpagent [flags]
//
// Flags:
//
//	-l, --local     Local endpoint ID (default "ipn:1.1")
//	-d, --dest      Destination endpoint ID (default "ipn:2.1")
//	-s, --store     Storage service: ram, file, or sqlite
//	    --spool     Spool directory for the file store
//	    --db        Database path for the sqlite store
//	-c, --config    Channel attributes file (JSONC)
//	-v, --verbose   Log engine activity to stderr
//
// Commands (in REPL):
//
//	store <text>          Encapsulate text as a bundle
//	load                  Load the next bundle to transmit
//	process <n>           Feed loaded bundle #n back into the channel
//	accept                Accept the next delivered payload
//	stats                 Show channel statistics
//	opt get <name>        Read an option
//	opt set <name> <val>  Write an option
//	help                  Show this help
//	exit / quit / q       Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/bpagent/pkg/bp"
	"github.com/calvinalkan/bpagent/pkg/storage"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options maps REPL names onto the channel option surface.
var options = map[string]bp.Option{
	"lifetime":  bp.OptLifetime,
	"custody":   bp.OptRequestCustody,
	"admin":     bp.OptAdminRecord,
	"integrity": bp.OptIntegrityCheck,
	"frag":      bp.OptAllowFragmentation,
	"cipher":    bp.OptCipherSuite,
	"timeout":   bp.OptTimeout,
	"maxlen":    bp.OptMaxLength,
	"cidreuse":  bp.OptCIDReuse,
	"dacsrate":  bp.OptDACSRate,
}

func run() error {
	var (
		localEID  = flag.StringP("local", "l", "ipn:1.1", "local endpoint id")
		destEID   = flag.StringP("dest", "d", "ipn:2.1", "destination endpoint id")
		storeKind = flag.StringP("store", "s", "ram", "storage service: ram, file, or sqlite")
		spoolDir  = flag.String("spool", ".bpagent-spool", "spool directory for the file store")
		dbPath    = flag.String("db", ".bpagent.sqlite", "database path for the sqlite store")
		confPath  = flag.StringP("config", "c", "", "channel attributes file (JSONC)")
		verbose   = flag.BoolP("verbose", "v", false, "log engine activity to stderr")
	)

	flag.Parse()

	localNode, localService, err := bp.EIDToIPN(*localEID)
	if err != nil {
		return err
	}

	destNode, destService, err := bp.EIDToIPN(*destEID)
	if err != nil {
		return err
	}

	attr := bp.DefaultAttributes()

	if *confPath != "" {
		attr, err = bp.LoadAttributes(*confPath)
		if err != nil {
			return err
		}
	}

	if *verbose {
		logger, lerr := zap.NewDevelopment()
		if lerr != nil {
			return fmt.Errorf("build logger: %w", lerr)
		}

		defer func() { _ = logger.Sync() }()

		attr.Logger = logger
	}

	store, err := openStore(*storeKind, *spoolDir, *dbPath)
	if err != nil {
		return err
	}

	ch, err := bp.Open(bp.Route{
		LocalNode:          localNode,
		LocalService:       localService,
		DestinationNode:    destNode,
		DestinationService: destService,
	}, store, attr)
	if err != nil {
		return err
	}

	defer func() { _ = ch.Close() }()

	fmt.Printf("channel %s -> %s over %s store; type 'help' for commands\n", *localEID, *destEID, *storeKind)

	return repl(ch)
}

func openStore(kind, spool, db string) (storage.Service, error) {
	switch kind {
	case "ram":
		return storage.NewRAM(), nil
	case "file":
		return storage.NewFile(spool)
	case "sqlite":
		return storage.NewSQLite(db)
	default:
		return nil, fmt.Errorf("unknown store %q (want ram, file, or sqlite)", kind)
	}
}

// session holds REPL state: bundles loaded but not yet looped back.
type session struct {
	ch     *bp.Channel
	loaded [][]byte
}

func repl(ch *bp.Channel) error {
	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	s := &session{ch: ch}

	for {
		input, err := line.Prompt("bp> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		line.AppendHistory(input)

		if input == "exit" || input == "quit" || input == "q" {
			return nil
		}

		if err := s.dispatch(input); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func (s *session) dispatch(input string) error {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	var flags bp.Flags

	var err error

	switch cmd {
	case "store":
		if rest == "" {
			return errors.New("usage: store <text>")
		}

		err = s.ch.Store([]byte(rest), storage.Check, &flags)
		if err == nil {
			fmt.Println("stored")
		}
	case "load":
		var wire []byte

		wire, err = s.ch.Load(storage.Check, &flags)
		if err == nil {
			s.loaded = append(s.loaded, wire)
			route, rerr := bp.RouteInfo(wire)
			if rerr != nil {
				return rerr
			}

			fmt.Printf("loaded #%d: %d bytes -> %s\n", len(s.loaded)-1, len(wire),
				bp.IPNToEID(route.DestinationNode, route.DestinationService))
		}
	case "process":
		var n int

		n, err = strconv.Atoi(rest)
		if err != nil || n < 0 || n >= len(s.loaded) || s.loaded[n] == nil {
			return errors.New("usage: process <loaded bundle number>")
		}

		err = s.ch.Process(s.loaded[n], storage.Check, &flags)
		if err == nil {
			s.ch.AckBundle(s.loaded[n])
			s.loaded[n] = nil

			fmt.Println("processed")
		}
	case "accept":
		var payload []byte

		payload, err = s.ch.Accept(storage.Check, &flags)
		if err == nil {
			fmt.Printf("accepted: %q\n", payload)
			s.ch.AckPayload(payload)
		}
	case "stats":
		var stats bp.Stats

		stats, err = s.ch.LatchStats()
		if err == nil {
			printStats(stats)
		}
	case "opt":
		err = s.option(rest)
	case "help":
		printHelp()
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}

	if flags != 0 {
		fmt.Printf("flags: %s\n", flags)
	}

	return err
}

func (s *session) option(rest string) error {
	parts := strings.Fields(rest)
	if len(parts) < 2 {
		return errors.New("usage: opt get <name> | opt set <name> <value>")
	}

	opt, ok := options[parts[1]]
	if !ok {
		names := make([]string, 0, len(options))
		for name := range options {
			names = append(names, name)
		}

		return fmt.Errorf("unknown option %q (have: %s)", parts[1], strings.Join(names, ", "))
	}

	switch parts[0] {
	case "get":
		var val int
		if err := s.ch.Config(bp.ModeRead, opt, &val); err != nil {
			return err
		}

		fmt.Printf("%s = %d\n", parts[1], val)

		return nil
	case "set":
		if len(parts) < 3 {
			return errors.New("usage: opt set <name> <value>")
		}

		val, err := strconv.Atoi(parts[2])
		if err != nil {
			return fmt.Errorf("value %q: %w", parts[2], err)
		}

		return s.ch.Config(bp.ModeWrite, opt, &val)
	default:
		return errors.New("usage: opt get <name> | opt set <name> <value>")
	}
}

func printStats(s bp.Stats) {
	fmt.Printf("  generated     %d\n", s.Generated)
	fmt.Printf("  transmitted   %d\n", s.Transmitted)
	fmt.Printf("  retransmitted %d\n", s.Retransmitted)
	fmt.Printf("  received      %d\n", s.Received)
	fmt.Printf("  delivered     %d\n", s.Delivered)
	fmt.Printf("  acknowledged  %d\n", s.Acknowledged)
	fmt.Printf("  expired       %d\n", s.Expired)
	fmt.Printf("  lost          %d\n", s.Lost)
	fmt.Printf("  bundles       %d\n", s.Bundles)
	fmt.Printf("  payloads      %d\n", s.Payloads)
	fmt.Printf("  records       %d\n", s.Records)
	fmt.Printf("  active        %d\n", s.Active)
}

func printHelp() {
	fmt.Print(`commands:
  store <text>          encapsulate text as a bundle
  load                  load the next bundle to transmit
  process <n>           feed loaded bundle #n back into the channel
  accept                accept the next delivered payload
  stats                 show channel statistics
  opt get <name>        read an option
  opt set <name> <val>  write an option
  exit / quit / q       exit
`)
}
