package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/polydawn/refmt"
	"github.com/polydawn/refmt/json"
	"github.com/warpfork/go-errcat"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"go.polydawn.net/packhouse"
	"go.polydawn.net/packhouse/config"
	"go.polydawn.net/packhouse/httpd"
	"go.polydawn.net/packhouse/smarthttp"
	"go.polydawn.net/packhouse/store"
)

/*
	Output serialization formats
*/
const (
	FmtJson = "json"
	FmtDumb = "dumb"
)

type baseCLI struct {
	Format   string // Output api format, eg. json
	ServeCLI struct {
		Listen string   // Address to bind the listener to
		Base   string   // Directory under which bare repositories live
		Prefix string   // URL path prefix for the smart-HTTP surface
		Repos  []string // Repository names to provision at boot
		Create bool     // Provision validly-named repositories on first request
	}
	InitCLI struct {
		Base  string   // Directory under which bare repositories live
		Repos []string // Repository names to provision
	}
}

func configureServe(cli *baseCLI, appServe *kingpin.CmdClause) {
	appServe.Flag("listen", "Address to listen on").
		Default(config.GetListenAddr()).
		StringVar(&cli.ServeCLI.Listen)
	appServe.Flag("base", "Directory under which bare repositories live").
		Default(config.GetBasePath()).
		StringVar(&cli.ServeCLI.Base)
	appServe.Flag("prefix", "URL path prefix for the smart-HTTP surface").
		Default(config.GetRoutePrefix()).
		StringVar(&cli.ServeCLI.Prefix)
	appServe.Flag("repo", "Repository name to provision at boot (repeatable)").
		StringsVar(&cli.ServeCLI.Repos)
	appServe.Flag("create", "Provision validly-named repositories on their first request").
		BoolVar(&cli.ServeCLI.Create)
}

func configureInit(cli *baseCLI, appInit *kingpin.CmdClause) {
	appInit.Flag("base", "Directory under which bare repositories live").
		Default(config.GetBasePath()).
		StringVar(&cli.InitCLI.Base)
	appInit.Arg("repo", "Repository names to provision").
		Required().
		StringsVar(&cli.InitCLI.Repos)
}

/*
	Blocks until a sigint is received, then calls cancel.
*/
func CancelOnInterrupt(cancel context.CancelFunc) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	<-signalChan
	cancel()
	close(signalChan)
}

func main() {
	ctx := context.Background()
	exitCode := Main(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	os.Exit(int(exitCode))
}

func Main(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) packhouse.ExitCode {
	ctx, cancel := context.WithCancel(ctx)
	go CancelOnInterrupt(cancel)

	cli := baseCLI{}

	app := kingpin.New("packhouse", "A bare-repository warehouse speaking the git smart-HTTP protocol")
	app.HelpFlag.Short('h')

	app.UsageWriter(stderr)
	app.ErrorWriter(stderr)

	app.Flag("format", "Output api format").
		Default(FmtDumb).
		EnumVar(&cli.Format, FmtJson, FmtDumb)

	appServe := app.Command("serve", "provision repositories and serve the smart-HTTP surface")
	configureServe(&cli, appServe)

	appInit := app.Command("init", "provision repositories without serving")
	configureInit(&cli, appInit)

	var termErr error
	app.Terminate(func(status int) {
		termErr = fmt.Errorf("parsing error: %d\n", status)
	})
	cmd, err := app.Parse(args[1:])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return packhouse.ExitUsage
	}
	if termErr != nil {
		fmt.Fprintln(stderr, termErr)
		return packhouse.ExitUsage
	}

	switch cmd {
	case appServe.FullCommand():
		err = executeServe(ctx, cli, stdout, stderr)
	case appInit.FullCommand():
		err = executeInit(cli, stdout)
	}
	SerializeResult(cli.Format, err, stdout, stderr)
	return exitCodeFor(err)
}

func executeServe(ctx context.Context, cli baseCLI, stdout, stderr io.Writer) error {
	repos, err := provision(cli.ServeCLI.Base, cli.ServeCLI.Repos)
	if err != nil {
		return err
	}

	handler := httpd.NewHandler(repos, smarthttp.NewEngine(), cli.ServeCLI.Prefix)
	handler.Create = cli.ServeCLI.Create
	handler.ErrorLog = stderr
	srv := &http.Server{Handler: handler}

	// Bind before announcing readiness, so the ready event is truthful.
	ln, err := net.Listen("tcp", cli.ServeCLI.Listen)
	if err != nil {
		return errcat.Errorf(packhouse.ErrServeFailed, "cannot listen on %s: %s", cli.ServeCLI.Listen, err)
	}
	SerializeReady(cli.Format, ln.Addr().String(), cli.ServeCLI.Repos, stdout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return errcat.Errorf(packhouse.ErrServeFailed, "server fell over: %s", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		srv.Shutdown(shutdownCtx)
		return nil
	})
	return g.Wait()
}

func executeInit(cli baseCLI, stdout io.Writer) error {
	_, err := provision(cli.InitCLI.Base, cli.InitCLI.Repos)
	return err
}

func provision(basePath string, names []string) (*store.Store, error) {
	repos, err := store.NewStore(basePath)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, err := repos.Ensure(name); err != nil {
			return nil, err
		}
	}
	return repos, nil
}

func SerializeReady(format string, addr string, repos []string, stdout io.Writer) {
	ev := packhouse.Event{Ready: &packhouse.Event_Ready{Addr: addr, Repos: repos}}
	switch format {
	case FmtJson:
		marshaller := refmt.NewMarshallerAtlased(json.EncodeOptions{}, stdout, packhouse.Atlas)
		if err := marshaller.Marshal(&ev); err != nil {
			panic(err)
		}
	case FmtDumb:
		fmt.Fprintf(stdout, "serving on %s\n", addr)
	default:
		panic(fmt.Errorf("packhouse: invalid format %s", format))
	}
}

func SerializeResult(format string, resultErr error, stdout io.Writer, stderr io.Writer) {
	result := &packhouse.Event_Result{}
	if resultErr != nil {
		result.Error = resultErr.Error()
	}
	ev := packhouse.Event{Result: result}
	switch format {
	case FmtJson:
		marshaller := refmt.NewMarshallerAtlased(json.EncodeOptions{}, stdout, packhouse.Atlas)
		if err := marshaller.Marshal(&ev); err != nil {
			panic(err)
		}
	case FmtDumb:
		if resultErr != nil {
			fmt.Fprintln(stderr, resultErr)
		}
	default:
		panic(fmt.Errorf("packhouse: invalid format %s", format))
	}
}

func exitCodeFor(err error) packhouse.ExitCode {
	if err == nil {
		return packhouse.ExitSuccess
	}
	switch errcat.Category(err) {
	case packhouse.ErrUsage:
		return packhouse.ExitUsage
	case packhouse.ErrBadRequest:
		return packhouse.ExitBadRequest
	case packhouse.ErrNotFound:
		return packhouse.ExitNotFound
	case packhouse.ErrProtocol:
		return packhouse.ExitProtocol
	case packhouse.ErrStorage:
		return packhouse.ExitStorage
	case packhouse.ErrCancelled:
		return packhouse.ExitCancelled
	case packhouse.ErrServeFailed:
		return packhouse.ExitServeFailed
	default:
		return packhouse.ExitTODO
	}
}
